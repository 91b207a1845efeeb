package org

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/backend"
)

// LDAPConfig holds the directory connection settings. Empty filters
// fall back to the standard organizationalUnit and inetOrgPerson
// classes.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
	GroupFilter  string
	UserFilter   string
}

// SubjectRegistrar registers synced departments with the authorization
// backend so policies can be granted to them.
type SubjectRegistrar interface {
	CreateSubjects(ctx context.Context, subjects []backend.SubjectInfo) error
}

// DirectoryDepartment is one organizational unit read from the
// directory. Path holds the OU names from the root of the subtree down
// to the unit itself.
type DirectoryDepartment struct {
	Path []string
	Name string
}

// DirectoryUser is one person read from the directory. Path names the
// organizational unit containing the entry.
type DirectoryUser struct {
	Username    string
	DisplayName string
	Path        []string
}

// Syncer mirrors the LDAP directory into the organization store. A
// department's id is its OU path joined with slashes, which keeps ids
// stable across renames of the display name.
type Syncer struct {
	cfg       LDAPConfig
	org       *Service
	registrar SubjectRegistrar
	logger    *zap.Logger
}

// NewSyncer creates a directory syncer. registrar may be nil.
func NewSyncer(cfg LDAPConfig, org *Service, registrar SubjectRegistrar, logger *zap.Logger) *Syncer {
	if cfg.GroupFilter == "" {
		cfg.GroupFilter = "(objectClass=organizationalUnit)"
	}
	if cfg.UserFilter == "" {
		cfg.UserFilter = "(objectClass=inetOrgPerson)"
	}
	return &Syncer{cfg: cfg, org: org, registrar: registrar, logger: logger}
}

// Run performs one full sync pass: fetch the directory, upsert every
// department and user, remove entries that vanished, and register the
// departments with the backend.
func (s *Syncer) Run(ctx context.Context) error {
	conn, err := ldap.DialURL(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to LDAP: %w", err)
	}
	defer conn.Close()

	if err := conn.Bind(s.cfg.BindDN, s.cfg.BindPassword); err != nil {
		return fmt.Errorf("failed to bind: %w", err)
	}

	depts, err := s.fetchDepartments(conn)
	if err != nil {
		return err
	}
	users, err := s.fetchUsers(conn)
	if err != nil {
		return err
	}
	return s.apply(ctx, depts, users)
}

func (s *Syncer) fetchDepartments(conn *ldap.Conn) ([]DirectoryDepartment, error) {
	result, err := conn.Search(&ldap.SearchRequest{
		BaseDN:     s.cfg.BaseDN,
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     s.cfg.GroupFilter,
		Attributes: []string{"ou"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search organizational units: %w", err)
	}

	depts := make([]DirectoryDepartment, 0, len(result.Entries))
	for _, entry := range result.Entries {
		path := relativeOUPath(entry.DN, s.cfg.BaseDN)
		if len(path) == 0 {
			continue
		}
		depts = append(depts, DirectoryDepartment{Path: path, Name: entry.GetAttributeValue("ou")})
	}
	return depts, nil
}

func (s *Syncer) fetchUsers(conn *ldap.Conn) ([]DirectoryUser, error) {
	result, err := conn.Search(&ldap.SearchRequest{
		BaseDN:     s.cfg.BaseDN,
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     s.cfg.UserFilter,
		Attributes: []string{"uid", "cn", "displayName"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search people: %w", err)
	}

	users := make([]DirectoryUser, 0, len(result.Entries))
	for _, entry := range result.Entries {
		username := entry.GetAttributeValue("uid")
		if username == "" {
			continue
		}
		display := entry.GetAttributeValue("displayName")
		if display == "" {
			display = entry.GetAttributeValue("cn")
		}
		users = append(users, DirectoryUser{
			Username:    username,
			DisplayName: display,
			Path:        relativeOUPath(entry.DN, s.cfg.BaseDN),
		})
	}
	return users, nil
}

func (s *Syncer) apply(ctx context.Context, depts []DirectoryDepartment, users []DirectoryUser) error {
	// An empty read is far more likely a broken filter or base DN than
	// a deliberately emptied directory.
	if len(depts) == 0 && len(users) == 0 {
		s.logger.Warn("Directory read returned nothing, refusing to remove local entries")
		return nil
	}

	// Parents must exist before children for ancestor computation.
	sort.SliceStable(depts, func(i, j int) bool { return len(depts[i].Path) < len(depts[j].Path) })

	deptIDs := make([]string, 0, len(depts))
	subjects := make([]backend.SubjectInfo, 0, len(depts))
	for _, d := range depts {
		id := departmentID(d.Path)
		name := d.Name
		if name == "" {
			name = d.Path[len(d.Path)-1]
		}
		dept := Department{ID: id, Name: name, ParentID: departmentID(d.Path[:len(d.Path)-1])}
		if err := s.org.UpsertDepartment(ctx, dept); err != nil {
			return fmt.Errorf("failed to sync department %s: %w", id, err)
		}
		deptIDs = append(deptIDs, id)
		subjects = append(subjects, backend.SubjectInfo{Type: "department", ID: id, Name: name})
	}

	usernames := make([]string, 0, len(users))
	for _, u := range users {
		user := User{Username: u.Username, DisplayName: u.DisplayName, DepartmentID: departmentID(u.Path)}
		if err := s.org.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("failed to sync user %s: %w", u.Username, err)
		}
		usernames = append(usernames, u.Username)
	}

	removedDepts, err := s.org.RemoveDepartmentsNotIn(ctx, deptIDs)
	if err != nil {
		return err
	}
	removedUsers, err := s.org.RemoveUsersNotIn(ctx, usernames)
	if err != nil {
		return err
	}

	s.logger.Info("Directory sync complete",
		zap.Int("departments", len(deptIDs)),
		zap.Int("users", len(usernames)),
		zap.Int64("removed_departments", removedDepts),
		zap.Int64("removed_users", removedUsers))

	s.registerSubjects(ctx, subjects)
	return nil
}

// registerSubjects tells the backend about synced departments. The
// registration is idempotent and best effort: the local sync result
// stands even when the backend is down.
func (s *Syncer) registerSubjects(ctx context.Context, subjects []backend.SubjectInfo) {
	if s.registrar == nil || len(subjects) == 0 {
		return
	}
	if err := s.registrar.CreateSubjects(ctx, subjects); err != nil {
		s.logger.Warn("Failed to register departments with the backend", zap.Error(err))
	}
}

func departmentID(path []string) string {
	return strings.Join(path, "/")
}

// relativeOUPath extracts the OU names of dn below baseDN, outermost
// first. Non-OU components such as the uid of a person entry are
// skipped.
func relativeOUPath(dn, baseDN string) []string {
	dn = strings.TrimSuffix(dn, ","+baseDN)
	if dn == baseDN {
		return nil
	}
	parts := strings.Split(dn, ",")
	var path []string
	for i := len(parts) - 1; i >= 0; i-- {
		part := strings.TrimSpace(parts[i])
		if strings.HasPrefix(part, "ou=") {
			path = append(path, strings.TrimPrefix(part, "ou="))
		}
	}
	return path
}
