// Command admincli drives the permission service API for bootstrap
// and day-to-day administration: registering systems, declaring their
// resource types and actions, and managing roles, groups, and grants.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dhawalhost/permseal/pkg/client"
)

const defaultBaseURL = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "create-system":
		err = runCreateSystem(os.Args[2:])
	case "list-systems":
		err = runListSystems(os.Args[2:])
	case "add-resource-type":
		err = runAddResourceType(os.Args[2:])
	case "add-action":
		err = runAddAction(os.Args[2:])
	case "create-role":
		err = runCreateRole(os.Args[2:])
	case "list-roles":
		err = runListRoles(os.Args[2:])
	case "add-role-members":
		err = runAddRoleMembers(os.Args[2:])
	case "create-group":
		err = runCreateGroup(os.Args[2:])
	case "list-groups":
		err = runListGroups(os.Args[2:])
	case "add-group-members":
		err = runAddGroupMembers(os.Args[2:])
	case "grant":
		err = runGrant(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCreateSystem(args []string) error {
	fs := flag.NewFlagSet("create-system", flag.ExitOnError)
	api := addCommonFlags(fs)
	id := fs.String("id", "", "System identifier")
	name := fs.String("name", "", "Display name")
	description := fs.String("description", "", "Optional description")
	providerURL := fs.String("provider-url", "", "Resource provider base URL")
	authType := fs.String("provider-auth-type", "", "Provider auth type: none or basic")
	authToken := fs.String("provider-auth-token", "", "Provider auth token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *name == "" || *providerURL == "" {
		return fmt.Errorf("id, name and provider-url are required")
	}

	c := api.client()
	err := c.CreateSystem(context.Background(), client.System{
		ID:                *id,
		Name:              *name,
		Description:       *description,
		ProviderURL:       *providerURL,
		ProviderAuthType:  *authType,
		ProviderAuthToken: *authToken,
	})
	if err != nil {
		return err
	}
	fmt.Println("System created:", *id)
	return nil
}

func runListSystems(args []string) error {
	fs := flag.NewFlagSet("list-systems", flag.ExitOnError)
	api := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	systems, err := api.client().ListSystems(context.Background())
	if err != nil {
		return err
	}
	if len(systems) == 0 {
		fmt.Println("No systems registered")
		return nil
	}
	for _, s := range systems {
		fmt.Printf("- %s (%s)\n", s.ID, s.Name)
		fmt.Printf("  Provider: %s\n", s.ProviderURL)
		if s.Description != "" {
			fmt.Printf("  Description: %s\n", s.Description)
		}
	}
	return nil
}

func runAddResourceType(args []string) error {
	fs := flag.NewFlagSet("add-resource-type", flag.ExitOnError)
	api := addCommonFlags(fs)
	system := fs.String("system", "", "System identifier")
	id := fs.String("id", "", "Resource type identifier")
	name := fs.String("name", "", "Display name")
	providerPath := fs.String("provider-path", "", "Provider path for name lookups")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *system == "" || *id == "" || *name == "" {
		return fmt.Errorf("system, id and name are required")
	}

	err := api.client().CreateResourceType(context.Background(), *system, client.ResourceType{
		ID:           *id,
		Name:         *name,
		ProviderPath: *providerPath,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Resource type created: %s/%s\n", *system, *id)
	return nil
}

func runAddAction(args []string) error {
	fs := flag.NewFlagSet("add-action", flag.ExitOnError)
	api := addCommonFlags(fs)
	system := fs.String("system", "", "System identifier")
	id := fs.String("id", "", "Action identifier")
	name := fs.String("name", "", "Display name")
	resources := fs.String("resources", "", "Comma-separated resource type refs, each type or system:type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *system == "" || *id == "" || *name == "" {
		return fmt.Errorf("system, id and name are required")
	}

	var refs []client.ResourceTypeRef
	for _, raw := range splitAndClean(*resources) {
		refSystem, refType := *system, raw
		if before, after, found := strings.Cut(raw, ":"); found {
			refSystem, refType = before, after
		}
		refs = append(refs, client.ResourceTypeRef{SystemID: refSystem, ID: refType})
	}

	err := api.client().CreateAction(context.Background(), *system, client.Action{
		ID:                   *id,
		Name:                 *name,
		RelatedResourceTypes: refs,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Action created: %s/%s\n", *system, *id)
	return nil
}

func runCreateRole(args []string) error {
	fs := flag.NewFlagSet("create-role", flag.ExitOnError)
	api := addCommonFlags(fs)
	name := fs.String("name", "", "Role name")
	description := fs.String("description", "", "Optional description")
	roleType := fs.String("type", "manager", "Role type: super or manager")
	creator := fs.String("creator", "", "Creating username")
	members := fs.String("members", "", "Comma-separated member usernames")
	systems := fs.String("systems", "", "Comma-separated systems the role may grant in, every action allowed")
	subjects := fs.String("subjects", "", "Comma-separated subject scopes, each user:name, department:id, or all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *creator == "" {
		return fmt.Errorf("name and creator are required")
	}

	role := client.NewRole{
		Name:        *name,
		Description: *description,
		Type:        *roleType,
		Creator:     *creator,
		Members:     splitAndClean(*members),
	}
	for _, systemID := range splitAndClean(*systems) {
		role.AuthorizationScopes = append(role.AuthorizationScopes, client.AuthScope{
			SystemID: systemID,
			Actions:  []client.ScopeAction{{ID: "*"}},
		})
	}
	subjectScopes, err := parseSubjects(*subjects)
	if err != nil {
		return err
	}
	role.SubjectScopes = subjectScopes

	id, err := api.client().CreateRole(context.Background(), role)
	if err != nil {
		return err
	}
	fmt.Println("Role created with id", id)
	return nil
}

func runListRoles(args []string) error {
	fs := flag.NewFlagSet("list-roles", flag.ExitOnError)
	api := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	roles, err := api.client().ListRoles(context.Background())
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		fmt.Println("No roles found")
		return nil
	}
	for _, r := range roles {
		fmt.Printf("- %d %s [%s] created by %s\n", r.ID, r.Name, r.Type, r.Creator)
	}
	return nil
}

func runAddRoleMembers(args []string) error {
	fs := flag.NewFlagSet("add-role-members", flag.ExitOnError)
	api := addCommonFlags(fs)
	roleID := fs.Int64("role", 0, "Role identifier")
	members := fs.String("members", "", "Comma-separated usernames")
	if err := fs.Parse(args); err != nil {
		return err
	}
	usernames := splitAndClean(*members)
	if *roleID == 0 || len(usernames) == 0 {
		return fmt.Errorf("role and members are required")
	}

	if err := api.client().AddRoleMembers(context.Background(), *roleID, usernames); err != nil {
		return err
	}
	fmt.Printf("Added %d member(s) to role %d\n", len(usernames), *roleID)
	return nil
}

func runCreateGroup(args []string) error {
	fs := flag.NewFlagSet("create-group", flag.ExitOnError)
	api := addCommonFlags(fs)
	roleID := fs.Int64("role", 0, "Role to act under")
	name := fs.String("name", "", "Group name")
	description := fs.String("description", "", "Optional description")
	creator := fs.String("creator", "", "Creating username")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *roleID == 0 || *name == "" || *creator == "" {
		return fmt.Errorf("role, name and creator are required")
	}

	c := api.client()
	c.ActAs(*roleID)
	id, err := c.CreateGroup(context.Background(), *name, *description, *creator)
	if err != nil {
		return err
	}
	fmt.Println("Group created with id", id)
	return nil
}

func runListGroups(args []string) error {
	fs := flag.NewFlagSet("list-groups", flag.ExitOnError)
	api := addCommonFlags(fs)
	roleID := fs.Int64("role", 0, "Role to act under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *roleID == 0 {
		return fmt.Errorf("role is required")
	}

	c := api.client()
	c.ActAs(*roleID)
	groups, err := c.ListGroups(context.Background())
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No groups found for role", *roleID)
		return nil
	}
	for _, g := range groups {
		fmt.Printf("- %d %s created by %s\n", g.ID, g.Name, g.Creator)
		if g.Description != "" {
			fmt.Printf("  Description: %s\n", g.Description)
		}
	}
	return nil
}

func runAddGroupMembers(args []string) error {
	fs := flag.NewFlagSet("add-group-members", flag.ExitOnError)
	api := addCommonFlags(fs)
	roleID := fs.Int64("role", 0, "Role to act under")
	groupID := fs.Int64("group", 0, "Group identifier")
	members := fs.String("members", "", "Comma-separated members, each user:name or department:id")
	days := fs.Int("expires-days", 365, "Membership lifetime in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	subjects, err := parseSubjects(*members)
	if err != nil {
		return err
	}
	if *roleID == 0 || *groupID == 0 || len(subjects) == 0 {
		return fmt.Errorf("role, group and members are required")
	}

	expiredAt := time.Now().AddDate(0, 0, *days).Unix()
	entries := make([]client.Member, 0, len(subjects))
	for _, s := range subjects {
		entries = append(entries, client.Member{Type: s.Type, ID: s.ID, ExpiredAt: expiredAt})
	}

	c := api.client()
	c.ActAs(*roleID)
	if err := c.AddGroupMembers(context.Background(), *groupID, entries); err != nil {
		return err
	}
	fmt.Printf("Added %d member(s) to group %d\n", len(entries), *groupID)
	return nil
}

func runGrant(args []string) error {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	api := addCommonFlags(fs)
	roleID := fs.Int64("role", 0, "Role to act under")
	groupID := fs.Int64("group", 0, "Group identifier")
	system := fs.String("system", "", "System the actions belong to")
	actions := fs.String("actions", "", "Comma-separated action identifiers")
	templateID := fs.Int64("template", 0, "Template identifier, 0 for a custom grant")
	if err := fs.Parse(args); err != nil {
		return err
	}
	actionIDs := splitAndClean(*actions)
	if *roleID == 0 || *groupID == 0 || *system == "" || len(actionIDs) == 0 {
		return fmt.Errorf("role, group, system and actions are required")
	}

	policies := make([]client.GrantPolicy, 0, len(actionIDs))
	for _, actionID := range actionIDs {
		policies = append(policies, client.GrantPolicy{ActionID: actionID})
	}

	c := api.client()
	c.ActAs(*roleID)
	taskKey, err := c.Authorize(context.Background(), *groupID, []client.GrantSource{{
		TemplateID: *templateID,
		SystemID:   *system,
		Policies:   policies,
	}})
	if err != nil {
		return err
	}
	fmt.Println("Authorization queued, task key:", taskKey)
	return nil
}

type commonFlags struct {
	baseURL *string
	token   *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		baseURL: fs.String("base-url", defaultBaseURL, "Permission service base URL"),
		token:   fs.String("token", os.Getenv("PERMSEAL_TOKEN"), "Bearer token, defaults to PERMSEAL_TOKEN"),
	}
}

func (f *commonFlags) client() *client.Client {
	return client.New(client.Config{
		BaseURL: strings.TrimRight(*f.baseURL, "/"),
		Token:   *f.token,
	})
}

// parseSubjects turns "user:alice,department:7" into subjects. A bare
// name means a user; "all" means every subject.
func parseSubjects(raw string) ([]client.Subject, error) {
	var subjects []client.Subject
	for _, entry := range splitAndClean(raw) {
		if entry == "all" {
			subjects = append(subjects, client.Subject{Type: "*", ID: "*"})
			continue
		}
		kind, id, found := strings.Cut(entry, ":")
		if !found {
			kind, id = "user", entry
		}
		if kind != "user" && kind != "department" {
			return nil, fmt.Errorf("unknown subject type %q in %q", kind, entry)
		}
		if id == "" {
			return nil, fmt.Errorf("subject %q has no id", entry)
		}
		subjects = append(subjects, client.Subject{Type: kind, ID: id})
	}
	return subjects, nil
}

func splitAndClean(values string) []string {
	if strings.TrimSpace(values) == "" {
		return nil
	}
	parts := strings.Split(values, ",")
	var cleaned []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func usage() {
	fmt.Print(`Usage: admincli <command> [options]

Commands:
  create-system       Register an integrating system
  list-systems        List registered systems
  add-resource-type   Declare a resource type under a system
  add-action          Declare an action under a system
  create-role         Create a delegated administrator role
  list-roles          List roles
  add-role-members    Add members to a role
  create-group        Create a user group under a role
  list-groups         List the groups of a role
  add-group-members   Add members to a group
  grant               Grant actions of one system to a group

Global options:
	-base-url   Permission service base URL (default http://localhost:8080)
	-token      Bearer token (default from PERMSEAL_TOKEN)
`)
}
