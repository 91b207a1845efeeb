//go:build integration

package integration

import (
	"net/http"
	"testing"
)

// seedOrganization writes a small department tree and two users the
// way the directory sync would.
func seedOrganization(t *testing.T, env *TestEnv) {
	t.Helper()
	statements := []struct {
		query string
		args  []interface{}
	}{
		{`INSERT INTO departments (id, name, parent_id, ancestors) VALUES ($1, $2, $3, $4)`,
			[]interface{}{"1", "Company", "", `[]`}},
		{`INSERT INTO departments (id, name, parent_id, ancestors) VALUES ($1, $2, $3, $4)`,
			[]interface{}{"2", "Engineering", "1", `["1"]`}},
		{`INSERT INTO departments (id, name, parent_id, ancestors) VALUES ($1, $2, $3, $4)`,
			[]interface{}{"3", "Platform", "2", `["1","2"]`}},
		{`INSERT INTO users (username, display_name, department_id) VALUES ($1, $2, $3)`,
			[]interface{}{"alice", "Alice Zhang", "3"}},
		{`INSERT INTO users (username, display_name, department_id) VALUES ($1, $2, $3)`,
			[]interface{}{"carol", "Carol Ng", ""}},
	}
	for _, s := range statements {
		if _, err := env.DB.Exec(s.query, s.args...); err != nil {
			t.Fatalf("Failed to seed organization: %v", err)
		}
	}
}

// TestOrganizationRead walks the read-only organization surface over a
// seeded mirror.
func TestOrganizationRead(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	env := SetupTestEnv(t)
	defer env.Teardown(t)
	seedOrganization(t, env)

	client := NewHTTPClient(env.Server.URL, mintToken(t, "admin"))

	t.Run("ListDepartments", func(t *testing.T) {
		resp := client.Get(t, "/api/v1/org/departments")
		AssertStatus(t, resp, http.StatusOK)
		var result struct {
			Departments []struct {
				ID        string   `json:"id"`
				Name      string   `json:"name"`
				Ancestors []string `json:"ancestors"`
			} `json:"departments"`
		}
		ReadJSON(t, resp, &result)
		if len(result.Departments) != 3 {
			t.Fatalf("Expected 3 departments, got %d", len(result.Departments))
		}
	})

	t.Run("ListUsers", func(t *testing.T) {
		resp := client.Get(t, "/api/v1/org/users")
		AssertStatus(t, resp, http.StatusOK)
		var result struct {
			Users []struct {
				Username string `json:"username"`
			} `json:"users"`
		}
		ReadJSON(t, resp, &result)
		if len(result.Users) != 2 {
			t.Fatalf("Expected 2 users, got %d", len(result.Users))
		}
	})

	t.Run("GetUser", func(t *testing.T) {
		resp := client.Get(t, "/api/v1/org/users/alice")
		AssertStatus(t, resp, http.StatusOK)
		var result struct {
			User struct {
				Username     string `json:"username"`
				DisplayName  string `json:"display_name"`
				DepartmentID string `json:"department_id"`
			} `json:"user"`
		}
		ReadJSON(t, resp, &result)
		if result.User.DisplayName != "Alice Zhang" || result.User.DepartmentID != "3" {
			t.Fatalf("Unexpected user: %+v", result.User)
		}
	})

	t.Run("GetUnknownUser", func(t *testing.T) {
		resp := client.Get(t, "/api/v1/org/users/nobody")
		AssertStatus(t, resp, http.StatusNotFound)
		resp.Body.Close()
	})

	t.Run("UserDepartmentChain", func(t *testing.T) {
		resp := client.Get(t, "/api/v1/org/users/alice/departments")
		AssertStatus(t, resp, http.StatusOK)
		var result struct {
			Departments []string `json:"departments"`
		}
		ReadJSON(t, resp, &result)
		want := []string{"1", "2", "3"}
		if len(result.Departments) != len(want) {
			t.Fatalf("Expected chain %v, got %v", want, result.Departments)
		}
		for i := range want {
			if result.Departments[i] != want[i] {
				t.Fatalf("Expected chain %v, got %v", want, result.Departments)
			}
		}
	})

	t.Run("ChainWithoutDepartment", func(t *testing.T) {
		resp := client.Get(t, "/api/v1/org/users/carol/departments")
		AssertStatus(t, resp, http.StatusOK)
		var result struct {
			Departments []string `json:"departments"`
		}
		ReadJSON(t, resp, &result)
		if len(result.Departments) != 0 {
			t.Fatalf("Expected an empty chain, got %v", result.Departments)
		}
	})
}
