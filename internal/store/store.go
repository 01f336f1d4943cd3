package store

import (
	"context"
	"errors"
	"time"
)

// Instance statuses persisted locally. Transient provider states (rebooting, stopping)
// are never stored.
const (
	StatusStarting   = "starting"
	StatusActive     = "active"
	StatusPoweredOff = "poweredoff"
	StatusDeleted    = "deleted"
)

var (
	// ErrInstanceExists is returned when a write would give an owner two non-deleted
	// instances with the same name.
	ErrInstanceExists = errors.New("instance already exists")
)

// User is the authenticated caller or an admin target.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Environment is a deployment target template. The core only reads it.
type Environment struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	Path                string    `json:"path"`
	Description         string    `json:"description"`
	Roles               []string  `json:"roles"`
	Subdomains          []string  `json:"subdomains"`
	EnvironmentTemplate string    `json:"environment_template"`
	DocTemplate         string    `json:"doc_template"`
	IsPrivate           bool      `json:"is_private"`
	CreatedAt           time.Time `json:"created_at"`
}

// Project links a user to a git-hosting project and the credentials to reach it.
type Project struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	GitlabProjectID string    `json:"gitlab_project_id"`
	GitlabHost      string    `json:"gitlab_host"`
	AccessToken     string    `json:"-"` // Never return in JSON
	GitUsername     string    `json:"git_username"`
	UserID          int64     `json:"user_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Instance is one user-owned compute resource mapped to one remote resource.
type Instance struct {
	ID               int64     `json:"id"`
	Hash             string    `json:"hash"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	Provider         string    `json:"provider"`
	Region           string    `json:"region"`
	Zone             string    `json:"zone"`
	Status           string    `json:"status"`
	IPAddress        string    `json:"ip_address"`
	IsProtected      bool      `json:"is_protected"`
	RootDNSZone      string    `json:"root_dns_zone"`
	EnvironmentID    int64     `json:"environment_id"`
	ProjectID        int64     `json:"project_id"`
	UserID           int64     `json:"user_id"`
	CreatedAt        time.Time `json:"created_at"`
	ModificationDate time.Time `json:"modification_date"`
}

// Registration carries the fields rewritten when a soft-deleted instance is attached
// again. Hash and name are kept.
type Registration struct {
	Provider    string
	Region      string
	Zone        string
	Type        string
	RootDNSZone string
	ProjectID   int64
}

// Store is the data access layer. Lookups return (nil, nil) when nothing matches.
type Store interface {
	// User Operations
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Environment Operations
	CreateEnvironment(ctx context.Context, e *Environment) error
	GetEnvironment(ctx context.Context, id int64) (*Environment, error)
	GetEnvironmentByPath(ctx context.Context, path string) (*Environment, error)

	// Project Operations
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id int64) (*Project, error)
	GetUserProjectByID(ctx context.Context, id, userID int64) (*Project, error)
	GetUserProjectByName(ctx context.Context, name string, userID int64) (*Project, error)
	GetUserProjectByURL(ctx context.Context, url string, userID int64) (*Project, error)
	UpdateProjectCredentials(ctx context.Context, id int64, url, gitlabProjectID string) error

	// Instance Operations
	CreateInstance(ctx context.Context, i *Instance) error // ErrInstanceExists on duplicate active name
	GetInstance(ctx context.Context, id int64) (*Instance, error)
	FindUserInstance(ctx context.Context, userID int64, provider, region string, id int64) (*Instance, error)
	FindUserInstanceByName(ctx context.Context, userID int64, name string) (*Instance, error) // any status, newest first
	FindActiveInstanceByName(ctx context.Context, userID int64, name string) (*Instance, error)
	ListUserInstances(ctx context.Context, userID int64, provider, region string) ([]*Instance, error) // non-deleted
	ListInstances(ctx context.Context, provider, region string) ([]*Instance, error)                   // non-deleted, all owners
	ReregisterInstance(ctx context.Context, id int64, reg Registration) error                         // ErrInstanceExists on conflict
	UpdateInstanceIP(ctx context.Context, id int64, ip string) error
	UpdateStatus(ctx context.Context, id int64, status string) error
	ActivateIfStarting(ctx context.Context, id int64) (bool, error) // false when the row left starting
	UpdateModificationDate(ctx context.Context, id int64, at time.Time) error
	UpdateProtection(ctx context.Context, id int64, protected bool) error
	UpdateTypeAndIP(ctx context.Context, id int64, instanceType, ip string) error

	Close() error
}
