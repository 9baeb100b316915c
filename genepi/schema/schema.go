package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DataType is the axis along which inter-group visibility is granted. Each
// CanSee grant covers exactly one data type; no type implies another.
type DataType string

const (
	PrivateIdentifiers DataType = "PRIVATE_IDENTIFIERS"
	Sequences          DataType = "SEQUENCES"
	Metadata           DataType = "METADATA"
	Trees              DataType = "TREES"
)

func CheckValidDataType(dataType DataType) error {
	switch dataType {
	case PrivateIdentifiers, Sequences, Metadata, Trees:
		return nil
	default:
		return fmt.Errorf("invalid data type '%v'", dataType)
	}
}

// Role names are static reference data seeded by the initial migration.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Phylo run workflow statuses.
const (
	WorkflowStarted   = "STARTED"
	WorkflowFailed    = "FAILED"
	WorkflowCompleted = "COMPLETED"
)

// Phylo tree build types.
const (
	TreeTypeTargeted          = "TARGETED"
	TreeTypeOverview          = "OVERVIEW"
	TreeTypeNonContextualized = "NON_CONTEXTUALIZED"
)

func CheckValidTreeType(treeType string) error {
	switch treeType {
	case TreeTypeTargeted, TreeTypeOverview, TreeTypeNonContextualized:
		return nil
	default:
		return fmt.Errorf("invalid tree type '%v'", treeType)
	}
}

type Group struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name   string `gorm:"unique;size:128;not null"`
	Prefix string `gorm:"unique;size:20;not null"`

	DefaultTreeLocationId *uuid.UUID `gorm:"type:uuid"`
	DefaultTreeLocation   *Location  `gorm:"constraint:OnDelete:SET NULL"`

	// Highest public identifier suffix ever assigned to this group's
	// samples. Only ever moves forward; deleting a sample does not release
	// its suffix for reuse.
	SampleCounter int64 `gorm:"not null;default:0"`

	Members []UserRole `gorm:"foreignKey:GroupId;constraint:OnDelete:CASCADE"`
}

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name     string `gorm:"size:128;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	// Subject identifier assigned by the external identity provider, empty
	// for users managed by the basic provider.
	AuthProviderId string `gorm:"size:254;index"`

	SystemAdmin bool `gorm:"not null;default:false"`

	GroupId uuid.UUID `gorm:"type:uuid;not null"`
	Group   *Group

	Roles []UserRole `gorm:"constraint:OnDelete:CASCADE"`
}

type Role struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"unique;size:50;not null"`
}

// UserRole records that a user holds a named role within a group. A user may
// hold roles in groups other than their primary group (delegated
// administration); no role implies another.
type UserRole struct {
	UserId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupId uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoleId  uuid.UUID `gorm:"type:uuid;primaryKey"`

	User  *User  `gorm:"constraint:OnDelete:CASCADE"`
	Group *Group `gorm:"constraint:OnDelete:CASCADE"`
	Role  *Role
}

// GroupRole is a directed role delegation: the grantor group grants members
// of the grantee group a named role's worth of access over the grantor's
// data. Delegations are never transitive: A->B and B->C does not yield A->C.
type GroupRole struct {
	GrantorGroupId uuid.UUID `gorm:"type:uuid;primaryKey"`
	GranteeGroupId uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoleId         uuid.UUID `gorm:"type:uuid;primaryKey"`

	Grantor *Group `gorm:"foreignKey:GrantorGroupId;constraint:OnDelete:CASCADE"`
	Grantee *Group `gorm:"foreignKey:GranteeGroupId;constraint:OnDelete:CASCADE"`
	Role    *Role
}

// CanSee is the fine-grained visibility primitive: the viewer group may see
// the owner group's data of the given type. One row per (viewer, owner,
// type); rows are created and revoked only by explicit admin actions.
type CanSee struct {
	ViewerGroupId uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerGroupId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	DataType      DataType  `gorm:"size:50;primaryKey"`

	Viewer *Group `gorm:"foreignKey:ViewerGroupId;constraint:OnDelete:CASCADE"`
	Owner  *Group `gorm:"foreignKey:OwnerGroupId;constraint:OnDelete:CASCADE"`
}

type Pathogen struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Slug string    `gorm:"unique;size:20;not null"`
	Name string    `gorm:"size:100;not null"`
}

type Location struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Region   string `gorm:"size:128"`
	Country  string `gorm:"size:128;not null;index"`
	Division string `gorm:"size:128"`
	Location string `gorm:"size:128"`

	Latitude  *float64
	Longitude *float64
}

func (l *Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

type Sample struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	PrivateIdentifier string `gorm:"size:128;not null;uniqueIndex:idx_samples_group_private_identifier"`
	PublicIdentifier  string `gorm:"unique;size:128;not null"`

	SubmittingGroupId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_samples_group_private_identifier"`
	SubmittingGroup   *Group

	UploadedById uuid.UUID `gorm:"type:uuid;not null"`
	UploadedBy   *User     `gorm:"foreignKey:UploadedById"`

	PathogenId uuid.UUID `gorm:"type:uuid;not null"`
	Pathogen   *Pathogen

	CollectionDate       *time.Time
	CollectionLocationId *uuid.UUID `gorm:"type:uuid"`
	CollectionLocation   *Location  `gorm:"foreignKey:CollectionLocationId;constraint:OnDelete:SET NULL"`

	// Marked by the uploader; a private sample is excluded from public
	// repository submission but follows the same visibility rules here.
	Private bool `gorm:"not null;default:false"`

	UploadDate time.Time
}

type PhyloRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"size:128"`

	GroupId uuid.UUID `gorm:"type:uuid;not null"`
	Group   *Group

	PathogenId uuid.UUID `gorm:"type:uuid;not null"`
	Pathogen   *Pathogen

	UserId uuid.UUID `gorm:"type:uuid;not null"`
	User   *User

	WorkflowStatus string `gorm:"size:50;not null"`
	TreeType       string `gorm:"size:50;not null"`

	// JSON blob of build overrides passed through to the tree pipeline.
	TemplateArgs string

	StartedAt time.Time
	EndedAt   *time.Time

	Tree *PhyloTree `gorm:"foreignKey:PhyloRunId;constraint:OnDelete:CASCADE"`
}

type PhyloTree struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	PhyloRunId uuid.UUID `gorm:"type:uuid;not null;unique"`

	Name string `gorm:"size:128"`

	// Object storage key of the raw tree JSON document.
	StorageKey string `gorm:"size:500;not null"`

	ConstituentSamples []Sample `gorm:"many2many:phylo_tree_samples;constraint:OnDelete:CASCADE"`
}

func (r *PhyloRun) BuildJobName() string {
	return fmt.Sprintf("phylo-%v-%v", r.TreeType, r.Id)
}
