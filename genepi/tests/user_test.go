package tests

import (
	"errors"
	"testing"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
)

func TestSignupAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	c := env.newClient()
	login, err := c.signup("abc", "abc@mail.com", "password123", groupId)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.login(login); err != nil {
		t.Fatal(err)
	}

	info, err := c.userInfo()
	if err != nil {
		t.Fatal(err)
	}

	if info.Name != "abc" || info.Email != "abc@mail.com" {
		t.Fatalf("incorrect user info returned: %v", info)
	}
	if info.GroupId != groupId {
		t.Fatal("user should belong to the group specified at signup")
	}
	if info.SystemAdmin {
		t.Fatal("new users must not be system admins")
	}
}

func TestSignupWithDuplicateEmail(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	c := env.newClient()
	if _, err := c.signup("abc", "abc@mail.com", "password123", groupId); err != nil {
		t.Fatal(err)
	}

	if _, err := c.signup("xyz", "abc@mail.com", "password456", groupId); err == nil {
		t.Fatal("signup with an email already in use should fail")
	}
}

func TestSignupWithMissingGroup(t *testing.T) {
	env := setupTestEnv(t)

	c := env.newClient()

	missingGroup := env.adminGroupId
	if err := env.db.Delete(&schema.Group{Id: missingGroup}).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := c.signup("abc", "abc@mail.com", "password123", missingGroup); !errors.Is(err, ErrNotFound) {
		t.Fatalf("signup into a missing group should return not found, got %v", err)
	}
}

func TestLoginWithBadPassword(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	c := env.newClient()
	if _, err := c.signup("abc", "abc@mail.com", "password123", groupId); err != nil {
		t.Fatal(err)
	}

	err := c.login(loginInfo{Email: "abc@mail.com", Password: "wrong_password"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestUserListIsAdminOnly(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	user, err := env.newUser("abc", groupId)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := user.listUsers(); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}

	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func TestPromoteAndDemoteAdmin(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	user, err := env.newUser("abc", groupId)
	if err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	if err := user.promoteAdmin(user.userId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non admins must not be able to promote users, got %v", err)
	}

	if err := admin.promoteAdmin(user.userId); err != nil {
		t.Fatal(err)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if !info.SystemAdmin {
		t.Fatal("user should be a system admin after promotion")
	}

	if err := admin.demoteAdmin(user.userId); err != nil {
		t.Fatal(err)
	}

	info, err = user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.SystemAdmin {
		t.Fatal("user should not be a system admin after demotion")
	}
}

func TestCannotDemoteLastAdmin(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.demoteAdmin(admin.userId); err == nil {
		t.Fatal("demoting the last system admin should fail")
	}

	info, err := admin.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if !info.SystemAdmin {
		t.Fatal("last admin should still be a system admin")
	}
}

func TestMoveUserToGroup(t *testing.T) {
	env := setupTestEnv(t)

	groupA := env.newGroup(t, "group-a", "AAA")
	groupB := env.newGroup(t, "group-b", "BBB")

	user, err := env.newUser("abc", groupA)
	if err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	if err := user.moveUserToGroup(user.userId, groupB); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non admins must not be able to move users, got %v", err)
	}

	if err := admin.moveUserToGroup(user.userId, groupB); err != nil {
		t.Fatal(err)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.GroupId != groupB {
		t.Fatal("user should belong to the new group after the move")
	}
}

func TestDeleteUser(t *testing.T) {
	env := setupTestEnv(t)

	groupId := env.newGroup(t, "county-lab", "CTY")

	user, err := env.newUser("abc", groupId)
	if err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.deleteUser(user.userId); err != nil {
		t.Fatal(err)
	}

	if _, err := user.userInfo(); err == nil {
		t.Fatal("deleted user should no longer be able to access the api")
	}
}
