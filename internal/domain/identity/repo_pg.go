package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

// queryable abstracts pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn() queryable {
	return r.pool
}

const identityColumns = `id, email, name, profile_image, role,
	COALESCE(firebase_uid, ''), COALESCE(password_hash, ''), phone,
	COALESCE(specialization, ''), COALESCE(verification_status, ''),
	notify_email, notify_sms, notify_push, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, ident *Identity) error {
	if ident.ID == uuid.Nil {
		ident.ID = uuid.New()
	}
	err := r.conn().QueryRow(ctx, `
		INSERT INTO identity (
			id, email, name, profile_image, role,
			firebase_uid, password_hash, phone,
			specialization, verification_status,
			notify_email, notify_sms, notify_push
		) VALUES (
			$1, $2, $3, $4, $5,
			NULLIF($6, ''), NULLIF($7, ''), $8,
			NULLIF($9, ''), NULLIF($10, ''),
			$11, $12, $13
		)
		RETURNING created_at, updated_at`,
		ident.ID, ident.Email, ident.Name, ident.ProfileImage, string(ident.Role),
		ident.FirebaseUID, ident.PasswordHash, ident.Phone,
		ident.Specialization, string(ident.VerificationStatus),
		ident.NotificationSettings.Email, ident.NotificationSettings.SMS, ident.NotificationSettings.Push,
	).Scan(&ident.CreatedAt, &ident.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return r.scanOne(r.conn().QueryRow(ctx, `SELECT `+identityColumns+` FROM identity WHERE id = $1`, id))
}

func (r *repoPG) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	return r.scanOne(r.conn().QueryRow(ctx, `
		SELECT `+identityColumns+` FROM identity
		WHERE email = $1
		ORDER BY CASE role WHEN 'doctor' THEN 0 WHEN 'patient' THEN 1 ELSE 2 END, created_at
		LIMIT 1`, NormalizeEmail(email)))
}

func (r *repoPG) FindByFirebaseUID(ctx context.Context, uid string) (*Identity, error) {
	if uid == "" {
		return nil, ErrNotFound
	}
	return r.scanOne(r.conn().QueryRow(ctx, `
		SELECT `+identityColumns+` FROM identity
		WHERE firebase_uid = $1
		ORDER BY created_at
		LIMIT 1`, uid))
}

func (r *repoPG) Update(ctx context.Context, ident *Identity) error {
	err := r.conn().QueryRow(ctx, `
		UPDATE identity SET
			name = $2, profile_image = $3, role = $4,
			firebase_uid = NULLIF($5, ''), password_hash = NULLIF($6, ''), phone = $7,
			specialization = NULLIF($8, ''), verification_status = NULLIF($9, ''),
			notify_email = $10, notify_sms = $11, notify_push = $12,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		ident.ID, ident.Name, ident.ProfileImage, string(ident.Role),
		ident.FirebaseUID, ident.PasswordHash, ident.Phone,
		ident.Specialization, string(ident.VerificationStatus),
		ident.NotificationSettings.Email, ident.NotificationSettings.SMS, ident.NotificationSettings.Push,
	).Scan(&ident.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Identity, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if filter.Role != "" {
		where += fmt.Sprintf(` AND role = $%d`, idx)
		args = append(args, string(filter.Role))
		idx++
	}
	if filter.VerificationStatus != "" {
		where += fmt.Sprintf(` AND verification_status = $%d`, idx)
		args = append(args, string(filter.VerificationStatus))
		idx++
	}

	var total int
	if err := r.conn().QueryRow(ctx, `SELECT COUNT(*) FROM identity`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count identities: %w", err)
	}

	query := `SELECT ` + identityColumns + ` FROM identity` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ident)
	}
	return out, total, rows.Err()
}

func (r *repoPG) scanOne(row pgx.Row) (*Identity, error) {
	ident, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ident, err
}

func scanIdentity(row pgx.Row) (*Identity, error) {
	var (
		i      Identity
		role   string
		status string
	)
	err := row.Scan(
		&i.ID, &i.Email, &i.Name, &i.ProfileImage, &role,
		&i.FirebaseUID, &i.PasswordHash, &i.Phone,
		&i.Specialization, &status,
		&i.NotificationSettings.Email, &i.NotificationSettings.SMS, &i.NotificationSettings.Push,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	i.Role = Role(role)
	i.VerificationStatus = VerificationStatus(status)
	return &i, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
