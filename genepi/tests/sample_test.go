package tests

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/services"
)

func TestCreateAndListSamples(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	user, err := env.newUser("abc", groupId)
	if err != nil {
		t.Fatal(err)
	}

	sampleIds, err := user.createSamples(
		newSampleArgs{PrivateIdentifier: "patient-007", CollectionDate: "2021-03-14"},
		newSampleArgs{PrivateIdentifier: "patient-008", Private: true},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(sampleIds) != 2 {
		t.Fatalf("expected 2 sample ids, got %v", sampleIds)
	}

	samples, err := user.listSamples()
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %v", samples)
	}

	byPublicId := map[string]services.SampleInfo{}
	for _, sample := range samples {
		byPublicId[sample.PublicIdentifier] = sample
	}

	first, ok := byPublicId["CTY-1"]
	if !ok {
		t.Fatalf("public identifiers should be generated from the group prefix, got %v", samples)
	}
	second, ok := byPublicId["CTY-2"]
	if !ok {
		t.Fatalf("public identifiers should be generated from the group prefix, got %v", samples)
	}

	// A group always sees its own private identifiers.
	if first.PrivateIdentifier != "patient-007" || second.PrivateIdentifier != "patient-008" {
		t.Fatalf("own group private identifiers should be visible, got %v", samples)
	}

	if first.CollectionDate != "2021-03-14" {
		t.Fatalf("unexpected collection date: %v", first.CollectionDate)
	}
	if !second.Private {
		t.Fatal("private flag should be preserved")
	}
}

func TestCreateSampleValidation(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	user, err := env.newUser("abc", groupId)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := user.createSamples(); err == nil {
		t.Fatal("creating zero samples should fail")
	}

	if _, err := user.createSamples(newSampleArgs{PrivateIdentifier: ""}); err == nil {
		t.Fatal("creating a sample without a private identifier should fail")
	}

	if _, err := user.createSamples(newSampleArgs{PrivateIdentifier: "x", CollectionDate: "14/03/2021"}); err == nil {
		t.Fatal("creating a sample with a malformed collection date should fail")
	}
}

func TestSampleVisibilityAcrossGroups(t *testing.T) {
	env := setupTestEnv(t)

	groupA := env.newGroup(t, "group-a", "AAA")
	groupB := env.newGroup(t, "group-b", "BBB")

	userA, err := env.newUser("usera", groupA)
	if err != nil {
		t.Fatal(err)
	}
	userB, err := env.newUser("userb", groupB)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := userA.createSamples(newSampleArgs{PrivateIdentifier: "patient-001"}); err != nil {
		t.Fatal(err)
	}

	// Without any grant group B sees nothing of group A's data.
	samples, err := userB.listSamples()
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 0 {
		t.Fatalf("expected no visible samples without a grant, got %v", samples)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	// A metadata grant exposes the samples but not their private identifiers.
	if err := admin.grantCanSee(groupA, groupB, string(schema.Metadata)); err != nil {
		t.Fatal(err)
	}

	samples, err = userB.listSamples()
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 visible sample after metadata grant, got %v", samples)
	}
	if samples[0].PublicIdentifier != "AAA-1" {
		t.Fatalf("unexpected public identifier: %v", samples[0].PublicIdentifier)
	}
	if samples[0].PrivateIdentifier != "" {
		t.Fatal("metadata grant must not expose private identifiers")
	}

	// Each data type is granted independently.
	if err := admin.grantCanSee(groupA, groupB, string(schema.PrivateIdentifiers)); err != nil {
		t.Fatal(err)
	}

	samples, err = userB.listSamples()
	if err != nil {
		t.Fatal(err)
	}
	if samples[0].PrivateIdentifier != "patient-001" {
		t.Fatal("private identifier grant should expose private identifiers")
	}

	// The grant is one directional: group A still cannot see group B.
	if _, err := userB.createSamples(newSampleArgs{PrivateIdentifier: "patient-900"}); err != nil {
		t.Fatal(err)
	}

	samples, err = userA.listSamples()
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("visibility grants must not be symmetric, got %v", samples)
	}
}

func TestSystemAdminSeesAllSamples(t *testing.T) {
	env := setupTestEnv(t)

	groupA := env.newGroup(t, "group-a", "AAA")
	groupB := env.newGroup(t, "group-b", "BBB")

	userA, err := env.newUser("usera", groupA)
	if err != nil {
		t.Fatal(err)
	}
	userB, err := env.newUser("userb", groupB)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := userA.createSamples(newSampleArgs{PrivateIdentifier: "patient-001"}); err != nil {
		t.Fatal(err)
	}
	if _, err := userB.createSamples(newSampleArgs{PrivateIdentifier: "patient-002"}); err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	samples, err := admin.listSamples()
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("system admin should see samples from every group, got %v", samples)
	}
	for _, sample := range samples {
		if sample.PrivateIdentifier == "" {
			t.Fatal("system admin should see private identifiers")
		}
	}
}

func TestInvisibleSampleLooksAbsent(t *testing.T) {
	env := setupTestEnv(t)

	groupA := env.newGroup(t, "group-a", "AAA")
	groupB := env.newGroup(t, "group-b", "BBB")

	userA, err := env.newUser("usera", groupA)
	if err != nil {
		t.Fatal(err)
	}
	userB, err := env.newUser("userb", groupB)
	if err != nil {
		t.Fatal(err)
	}

	sampleIds, err := userA.createSamples(newSampleArgs{PrivateIdentifier: "patient-001"})
	if err != nil {
		t.Fatal(err)
	}

	// An invisible sample and a nonexistent sample are indistinguishable.
	if _, err := userB.getSample(sampleIds[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for an invisible sample, got %v", err)
	}
	if _, err := userB.getSample(uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for a missing sample, got %v", err)
	}

	if _, err := userA.getSample(sampleIds[0]); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteSampleRequiresWriteAccess(t *testing.T) {
	env := setupTestEnv(t)

	groupA := env.newGroup(t, "group-a", "AAA")
	groupB := env.newGroup(t, "group-b", "BBB")

	userA, err := env.newUser("usera", groupA)
	if err != nil {
		t.Fatal(err)
	}
	userB, err := env.newUser("userb", groupB)
	if err != nil {
		t.Fatal(err)
	}

	sampleIds, err := userA.createSamples(newSampleArgs{PrivateIdentifier: "patient-001"})
	if err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.grantCanSee(groupA, groupB, string(schema.Metadata)); err != nil {
		t.Fatal(err)
	}

	// Visibility never confers write access: the sample is visible to group
	// B, so the denial is a plain forbidden rather than a not found.
	if err := userB.deleteSample(sampleIds[0]); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden when deleting a visible but unowned sample, got %v", err)
	}

	if err := userA.deleteSample(sampleIds[0]); err != nil {
		t.Fatal(err)
	}

	if _, err := userA.getSample(sampleIds[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after deletion, got %v", err)
	}
}

func TestPublicIdentifiersNotReusedAfterDelete(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	user, err := env.newUser("abc", groupId)
	if err != nil {
		t.Fatal(err)
	}

	sampleIds, err := user.createSamples(
		newSampleArgs{PrivateIdentifier: "patient-001"},
		newSampleArgs{PrivateIdentifier: "patient-002"},
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := user.deleteSample(sampleIds[0]); err != nil {
		t.Fatal(err)
	}

	// A deleted sample's suffix stays retired, so a later upload must not
	// collide with the surviving CTY-2 row.
	if _, err := user.createSamples(newSampleArgs{PrivateIdentifier: "patient-003"}); err != nil {
		t.Fatal(err)
	}

	samples, err := user.listSamples()
	if err != nil {
		t.Fatal(err)
	}
	byPublicId := map[string]services.SampleInfo{}
	for _, sample := range samples {
		byPublicId[sample.PublicIdentifier] = sample
	}
	if len(byPublicId) != 2 {
		t.Fatalf("expected 2 samples, got %v", samples)
	}
	third, ok := byPublicId["CTY-3"]
	if !ok || third.PrivateIdentifier != "patient-003" {
		t.Fatalf("expected new sample to receive the next unused suffix, got %v", samples)
	}
}

func TestValidateIdentifiers(t *testing.T) {
	env := setupTestEnv(t)

	groupA := env.newGroup(t, "group-a", "AAA")
	groupB := env.newGroup(t, "group-b", "BBB")

	userA, err := env.newUser("usera", groupA)
	if err != nil {
		t.Fatal(err)
	}
	userB, err := env.newUser("userb", groupB)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := userA.createSamples(newSampleArgs{PrivateIdentifier: "patient-001"}); err != nil {
		t.Fatal(err)
	}

	// The owner matches both public and private identifiers.
	missing, err := userA.validateIdentifiers("AAA-1", "patient-001", "no-such-id")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != "no-such-id" {
		t.Fatalf("expected only the unknown identifier to be missing, got %v", missing)
	}

	// Without a grant nothing of group A's matches for group B.
	missing, err = userB.validateIdentifiers("AAA-1", "patient-001")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected both identifiers to be missing without a grant, got %v", missing)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.grantCanSee(groupA, groupB, string(schema.Metadata)); err != nil {
		t.Fatal(err)
	}

	// A metadata grant matches public identifiers only.
	missing, err = userB.validateIdentifiers("AAA-1", "patient-001")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != "patient-001" {
		t.Fatalf("metadata grant should match public identifiers only, got %v", missing)
	}

	// System admins match every group's identifiers, private included.
	missing, err = admin.validateIdentifiers("AAA-1", "patient-001")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no missing identifiers for a system admin, got %v", missing)
	}
}
