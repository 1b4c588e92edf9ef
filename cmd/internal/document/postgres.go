package document

import (
	"context"
	"errors"
	"strings"
	"time"

	"bloks/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists documents and grants in PostgreSQL.
// It does not own the pool.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresRepository.
type PostgresOption func(*PostgresRepository) error

// WithSchema sets the DB schema (default: "bloks").
func WithSchema(schema string) PostgresOption {
	return func(r *PostgresRepository) error {
		s, err := pgutil.NormalizeSchema(schema)
		if err != nil {
			return err
		}
		r.schema = s
		return nil
	}
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRepository, error) {
	r := &PostgresRepository{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("document: nil pool")
	}
	return r, nil
}

const docColumns = `id, title, owner_id, content, icon, cover_image, is_archived, is_published, parent_document, created_at, updated_at`

func scanDoc(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(
		&d.ID,
		&d.Title,
		&d.OwnerID,
		&d.Content,
		&d.Icon,
		&d.CoverImage,
		&d.IsArchived,
		&d.IsPublished,
		&d.ParentDocument,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

func collectDocs(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()
	out := make([]Document, 0)
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Create(ctx context.Context, d Document) (Document, error) {
	if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.OwnerID) == "" {
		return Document{}, errInvalid("document.create", "id and owner required")
	}
	if strings.TrimSpace(d.Title) == "" {
		d.Title = "Untitled"
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	docs := pgutil.Ident(r.schema, "documents")
	out, err := scanDoc(r.pool.QueryRow(ctx,
		`INSERT INTO `+docs+` (`+docColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+docColumns,
		d.ID, d.Title, d.OwnerID, d.Content, d.Icon, d.CoverImage,
		d.IsArchived, d.IsPublished, d.ParentDocument, d.CreatedAt, d.UpdatedAt,
	))
	if err != nil {
		switch {
		case pgutil.IsUniqueViolation(err):
			return Document{}, errInvalid("document.create", "duplicate id")
		case pgutil.IsForeignKeyViolation(err):
			return Document{}, errNotFound("document.create", "parent")
		}
		return Document{}, err
	}
	return out, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Document, error) {
	docs := pgutil.Ident(r.schema, "documents")
	d, err := scanDoc(r.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM `+docs+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, errNotFound("document.get", "document")
	}
	return d, err
}

func (r *PostgresRepository) Update(ctx context.Context, id string, p Patch, now time.Time) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	var title *string
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		title = &t
	}

	docs := pgutil.Ident(r.schema, "documents")
	d, err := scanDoc(r.pool.QueryRow(ctx,
		`UPDATE `+docs+`
		    SET title        = COALESCE($2, title),
		        content      = COALESCE($3, content),
		        icon         = COALESCE($4, icon),
		        cover_image  = COALESCE($5, cover_image),
		        is_published = COALESCE($6, is_published),
		        updated_at   = $7
		  WHERE id = $1
		RETURNING `+docColumns,
		id, title, p.Content, p.Icon, p.CoverImage, p.IsPublished, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, errNotFound("document.update", "document")
	}
	return d, err
}

func (r *PostgresRepository) Archive(ctx context.Context, id string, now time.Time) ([]Document, error) {
	docs := pgutil.Ident(r.schema, "documents")
	rows, err := r.pool.Query(ctx,
		`WITH RECURSIVE tree AS (
		     SELECT id FROM `+docs+` WHERE id = $1
		     UNION
		     SELECT d.id FROM `+docs+` d JOIN tree t ON d.parent_document = t.id
		 )
		 UPDATE `+docs+`
		    SET is_archived = true, updated_at = $2
		  WHERE id IN (SELECT id FROM tree)
		RETURNING `+docColumns,
		id, now,
	)
	if err != nil {
		return nil, err
	}
	out, err := collectDocs(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errNotFound("document.archive", "document")
	}
	// Root first so subscribers see the archived page before its children.
	for i := range out {
		if out[i].ID == id {
			out[0], out[i] = out[i], out[0]
			break
		}
	}
	return out, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) (Document, error) {
	docs := pgutil.Ident(r.schema, "documents")
	d, err := scanDoc(r.pool.QueryRow(ctx, `DELETE FROM `+docs+` WHERE id = $1 RETURNING `+docColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, errNotFound("document.delete", "document")
	}
	return d, err
}

func (r *PostgresRepository) ListAccessible(ctx context.Context, userID string) ([]Document, error) {
	docs := pgutil.Ident(r.schema, "documents")
	collabs := pgutil.Ident(r.schema, "collaborators")
	rows, err := r.pool.Query(ctx,
		`SELECT `+docColumns+`
		   FROM `+docs+`
		  WHERE is_archived = false
		    AND (owner_id = $1
		         OR id IN (SELECT document_id FROM `+collabs+` WHERE user_id = $1))
		  ORDER BY created_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return collectDocs(rows)
}

const collabColumns = `document_id, user_id, email, role, added_by, created_at`

func scanCollab(row pgx.Row) (Collaborator, error) {
	var c Collaborator
	err := row.Scan(&c.DocumentID, &c.UserID, &c.Email, &c.Role, &c.AddedBy, &c.CreatedAt)
	return c, err
}

func (r *PostgresRepository) GetCollaborator(ctx context.Context, documentID, userID string) (Collaborator, error) {
	collabs := pgutil.Ident(r.schema, "collaborators")
	c, err := scanCollab(r.pool.QueryRow(ctx,
		`SELECT `+collabColumns+` FROM `+collabs+` WHERE document_id = $1 AND user_id = $2`,
		documentID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Collaborator{}, errNotFound("document.collaborator.get", "collaborator")
	}
	return c, err
}

func (r *PostgresRepository) AddCollaborator(ctx context.Context, c Collaborator) (Collaborator, error) {
	if strings.TrimSpace(c.DocumentID) == "" || strings.TrimSpace(c.UserID) == "" {
		return Collaborator{}, errInvalid("document.collaborator.add", "document and user required")
	}
	if c.Role == "" {
		c.Role = RoleCollaborator
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	collabs := pgutil.Ident(r.schema, "collaborators")
	out, err := scanCollab(r.pool.QueryRow(ctx,
		`INSERT INTO `+collabs+` (`+collabColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (document_id, user_id) DO NOTHING
		 RETURNING `+collabColumns,
		c.DocumentID, c.UserID, c.Email, c.Role, c.AddedBy, c.CreatedAt,
	))
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Existing grant wins.
		return r.GetCollaborator(ctx, c.DocumentID, c.UserID)
	case pgutil.IsForeignKeyViolation(err):
		return Collaborator{}, errNotFound("document.collaborator.add", "document")
	default:
		return Collaborator{}, err
	}
}

func (r *PostgresRepository) RemoveCollaborator(ctx context.Context, documentID, userID string) (Collaborator, error) {
	collabs := pgutil.Ident(r.schema, "collaborators")
	c, err := scanCollab(r.pool.QueryRow(ctx,
		`DELETE FROM `+collabs+` WHERE document_id = $1 AND user_id = $2 RETURNING `+collabColumns,
		documentID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Collaborator{}, errNotFound("document.collaborator.remove", "collaborator")
	}
	return c, err
}

func (r *PostgresRepository) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	if _, err := r.Get(ctx, documentID); err != nil {
		return nil, err
	}
	collabs := pgutil.Ident(r.schema, "collaborators")
	rows, err := r.pool.Query(ctx,
		`SELECT `+collabColumns+` FROM `+collabs+` WHERE document_id = $1 ORDER BY created_at, user_id`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Collaborator, 0)
	for rows.Next() {
		c, err := scanCollab(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
