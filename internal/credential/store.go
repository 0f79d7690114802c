package credential

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Store persists credential rows.
type Store interface {
	Ping(ctx context.Context) error
	EnsureUniqueUserConstraint(ctx context.Context) (bool, error)
	Upsert(ctx context.Context, row Row) error
	GetByUserID(ctx context.Context, userID string) (Row, error)
}

type credentialRepo struct {
	db *sqlx.DB
}

// NewStore creates a credential store over the identity provider's database.
func NewStore(db *sqlx.DB) Store {
	return &credentialRepo{db: db}
}

func (r *credentialRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// EnsureUniqueUserConstraint adds the unique_user_id constraint the upsert
// conflicts on. It reports whether the constraint had to be created.
func (r *credentialRepo) EnsureUniqueUserConstraint(ctx context.Context) (bool, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM pg_constraint
		WHERE conname = 'unique_user_id' AND conrelid = 'public.credential'::regclass
	`
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	_, err := r.db.ExecContext(ctx, `ALTER TABLE public.credential ADD CONSTRAINT unique_user_id UNIQUE (user_id)`)
	return err == nil, err
}

func (r *credentialRepo) Upsert(ctx context.Context, row Row) error {
	query := `
		INSERT INTO public.credential (
			id, salt, type, user_id, created_date, user_label, secret_data, credential_data, priority
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			salt = excluded.salt,
			type = excluded.type,
			created_date = excluded.created_date,
			user_label = excluded.user_label,
			secret_data = excluded.secret_data,
			credential_data = excluded.credential_data,
			priority = excluded.priority
	`
	_, err := r.db.ExecContext(ctx, query,
		row.ID, row.Salt, row.Type, row.UserID, row.CreatedDate,
		row.UserLabel, row.SecretData, row.CredentialData, row.Priority)
	return err
}

func (r *credentialRepo) GetByUserID(ctx context.Context, userID string) (Row, error) {
	var row Row
	query := `
		SELECT id, salt, type, user_id, created_date, user_label, secret_data, credential_data, priority
		FROM public.credential WHERE user_id = $1 AND type = 'password'
	`
	err := r.db.GetContext(ctx, &row, query, userID)
	return row, err
}
