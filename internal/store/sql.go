package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// SQLStore implements Store on database/sql for both SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*SQLStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectSQLite}
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *SQLStore) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
	return id, err
}

// -- User Operations --

const userColumns = `id, email, is_admin, created_at`

func (s *SQLStore) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	id, err := s.insert(ctx, `INSERT INTO users (email, is_admin, created_at) VALUES (?, ?, ?)`,
		u.Email, u.IsAdmin, u.CreatedAt)
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

func (s *SQLStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
}

func (s *SQLStore) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.IsAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// -- Environment Operations --

const environmentColumns = `id, name, path, description, roles, subdomains, environment_template, doc_template, is_private, created_at`

func (s *SQLStore) CreateEnvironment(ctx context.Context, e *Environment) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	roles, err := json.Marshal(nonNil(e.Roles))
	if err != nil {
		return err
	}
	subdomains, err := json.Marshal(nonNil(e.Subdomains))
	if err != nil {
		return err
	}
	id, err := s.insert(ctx, `INSERT INTO environments (name, path, description, roles, subdomains, environment_template, doc_template, is_private, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Name, e.Path, e.Description, string(roles), string(subdomains), e.EnvironmentTemplate, e.DocTemplate, e.IsPrivate, e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (s *SQLStore) GetEnvironment(ctx context.Context, id int64) (*Environment, error) {
	return s.scanEnvironment(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+environmentColumns+` FROM environments WHERE id = ?`), id))
}

func (s *SQLStore) GetEnvironmentByPath(ctx context.Context, path string) (*Environment, error) {
	return s.scanEnvironment(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+environmentColumns+` FROM environments WHERE path = ?`), path))
}

func (s *SQLStore) scanEnvironment(row *sql.Row) (*Environment, error) {
	e := &Environment{}
	var roles, subdomains string
	err := row.Scan(&e.ID, &e.Name, &e.Path, &e.Description, &roles, &subdomains,
		&e.EnvironmentTemplate, &e.DocTemplate, &e.IsPrivate, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &e.Roles); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subdomains), &e.Subdomains); err != nil {
		return nil, err
	}
	return e, nil
}

// -- Project Operations --

const projectColumns = `id, name, url, gitlab_project_id, gitlab_host, access_token, git_username, user_id, created_at`

func (s *SQLStore) CreateProject(ctx context.Context, p *Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	id, err := s.insert(ctx, `INSERT INTO projects (name, url, gitlab_project_id, gitlab_host, access_token, git_username, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.URL, p.GitlabProjectID, p.GitlabHost, p.AccessToken, p.GitUsername, p.UserID, p.CreatedAt)
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (s *SQLStore) GetProject(ctx context.Context, id int64) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id))
}

func (s *SQLStore) GetUserProjectByID(ctx context.Context, id, userID int64) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ? AND user_id = ?`), id, userID))
}

func (s *SQLStore) GetUserProjectByName(ctx context.Context, name string, userID int64) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+projectColumns+` FROM projects WHERE name = ? AND user_id = ? ORDER BY id LIMIT 1`), name, userID))
}

func (s *SQLStore) GetUserProjectByURL(ctx context.Context, url string, userID int64) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+projectColumns+` FROM projects WHERE url = ? AND user_id = ? ORDER BY id LIMIT 1`), url, userID))
}

func (s *SQLStore) UpdateProjectCredentials(ctx context.Context, id int64, url, gitlabProjectID string) error {
	return s.exec(ctx, `UPDATE projects SET url = ?, gitlab_project_id = ? WHERE id = ?`, url, gitlabProjectID, id)
}

func (s *SQLStore) scanProject(row *sql.Row) (*Project, error) {
	p := &Project{}
	err := row.Scan(&p.ID, &p.Name, &p.URL, &p.GitlabProjectID, &p.GitlabHost, &p.AccessToken, &p.GitUsername, &p.UserID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// -- Instance Operations --

const instanceColumns = `id, hash, name, type, provider, region, zone, status, ip_address, is_protected, root_dns_zone, environment_id, project_id, user_id, created_at, modification_date`

func (s *SQLStore) CreateInstance(ctx context.Context, i *Instance) error {
	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.ModificationDate.IsZero() {
		i.ModificationDate = i.CreatedAt
	}
	if i.Status == "" {
		i.Status = StatusStarting
	}
	id, err := s.insert(ctx, `INSERT INTO instances (hash, name, type, provider, region, zone, status, ip_address, is_protected, root_dns_zone, environment_id, project_id, user_id, created_at, modification_date) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.Hash, i.Name, i.Type, i.Provider, i.Region, i.Zone, i.Status, i.IPAddress, i.IsProtected, i.RootDNSZone,
		i.EnvironmentID, i.ProjectID, i.UserID, i.CreatedAt, i.ModificationDate)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrInstanceExists
		}
		return err
	}
	i.ID = id
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id int64) (*Instance, error) {
	return s.scanInstance(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id))
}

func (s *SQLStore) FindUserInstance(ctx context.Context, userID int64, provider, region string, id int64) (*Instance, error) {
	return s.scanInstance(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+instanceColumns+` FROM instances WHERE id = ? AND user_id = ? AND provider = ? AND region = ?`),
		id, userID, provider, region))
}

func (s *SQLStore) FindUserInstanceByName(ctx context.Context, userID int64, name string) (*Instance, error) {
	return s.scanInstance(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+instanceColumns+` FROM instances WHERE user_id = ? AND name = ? ORDER BY id DESC LIMIT 1`),
		userID, name))
}

func (s *SQLStore) FindActiveInstanceByName(ctx context.Context, userID int64, name string) (*Instance, error) {
	return s.scanInstance(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+instanceColumns+` FROM instances WHERE user_id = ? AND name = ? AND status <> ? LIMIT 1`),
		userID, name, StatusDeleted))
}

func (s *SQLStore) ListUserInstances(ctx context.Context, userID int64, provider, region string) ([]*Instance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE user_id = ? AND provider = ? AND region = ? AND status <> ? ORDER BY id`,
		userID, provider, region, StatusDeleted)
}

func (s *SQLStore) ListInstances(ctx context.Context, provider, region string) ([]*Instance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE provider = ? AND region = ? AND status <> ? ORDER BY id`,
		provider, region, StatusDeleted)
}

func (s *SQLStore) ReregisterInstance(ctx context.Context, id int64, reg Registration) error {
	err := s.exec(ctx, `UPDATE instances SET provider = ?, region = ?, zone = ?, type = ?, root_dns_zone = ?, project_id = ?, status = ?, ip_address = '', modification_date = ? WHERE id = ?`,
		reg.Provider, reg.Region, reg.Zone, reg.Type, reg.RootDNSZone, reg.ProjectID, StatusStarting, time.Now().UTC(), id)
	if err != nil && isUniqueViolation(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *SQLStore) UpdateInstanceIP(ctx context.Context, id int64, ip string) error {
	return s.exec(ctx, `UPDATE instances SET ip_address = ? WHERE id = ?`, ip, id)
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id int64, status string) error {
	return s.exec(ctx, `UPDATE instances SET status = ? WHERE id = ?`, status, id)
}

func (s *SQLStore) ActivateIfStarting(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE instances SET status = ? WHERE id = ? AND status = ?`),
		StatusActive, id, StatusStarting)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLStore) UpdateModificationDate(ctx context.Context, id int64, at time.Time) error {
	return s.exec(ctx, `UPDATE instances SET modification_date = ? WHERE id = ?`, at.UTC(), id)
}

func (s *SQLStore) UpdateProtection(ctx context.Context, id int64, protected bool) error {
	return s.exec(ctx, `UPDATE instances SET is_protected = ? WHERE id = ?`, protected, id)
}

func (s *SQLStore) UpdateTypeAndIP(ctx context.Context, id int64, instanceType, ip string) error {
	return s.exec(ctx, `UPDATE instances SET type = ?, ip_address = ? WHERE id = ?`, instanceType, ip, id)
}

func (s *SQLStore) queryInstances(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		i, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

func (s *SQLStore) scanInstance(row *sql.Row) (*Instance, error) {
	i, err := scanInstanceRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return i, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstanceRow(row scanner) (*Instance, error) {
	i := &Instance{}
	err := row.Scan(&i.ID, &i.Hash, &i.Name, &i.Type, &i.Provider, &i.Region, &i.Zone, &i.Status, &i.IPAddress,
		&i.IsProtected, &i.RootDNSZone, &i.EnvironmentID, &i.ProjectID, &i.UserID, &i.CreatedAt, &i.ModificationDate)
	if err != nil {
		return nil, err
	}
	return i, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
