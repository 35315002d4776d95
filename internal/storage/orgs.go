package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// CreateOrg inserts a new tenant.
func (db *DB) CreateOrg(ctx context.Context, org model.Org) (model.Org, error) {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO orgs (id, name, plan, stripe_customer_id, is_active) VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		org.ID, org.Name, org.Plan, org.StripeCustomerID, org.IsActive,
	).Scan(&org.CreatedAt)
	if err != nil {
		return model.Org{}, fmt.Errorf("storage: create org: %w", err)
	}
	return org, nil
}

// GetOrg retrieves a tenant by id.
func (db *DB) GetOrg(ctx context.Context, id uuid.UUID) (model.Org, error) {
	var org model.Org
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, plan, stripe_customer_id, is_active, created_at FROM orgs WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.Plan, &org.StripeCustomerID, &org.IsActive, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Org{}, ErrNotFound
		}
		return model.Org{}, fmt.Errorf("storage: get org: %w", err)
	}
	return org, nil
}

// SetOrgPlan updates a tenant's billing plan. Driven by Stripe webhook events.
func (db *DB) SetOrgPlan(ctx context.Context, id uuid.UUID, plan string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE orgs SET plan = $2 WHERE id = $1`, id, plan,
	)
	if err != nil {
		return fmt.Errorf("storage: set org plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOrgStripeCustomer records the Stripe customer backing a tenant's
// subscription, captured from the first completed checkout.
func (db *DB) SetOrgStripeCustomer(ctx context.Context, id uuid.UUID, customerID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE orgs SET stripe_customer_id = $2 WHERE id = $1`, id, customerID,
	)
	if err != nil {
		return fmt.Errorf("storage: set org stripe customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUser inserts a new org member.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, org_id, email, name, timezone) VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		u.ID, u.OrgID, u.Email, u.Name, u.Timezone,
	).Scan(&u.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUser retrieves one user scoped to their org.
func (db *DB) GetUser(ctx context.Context, orgID, id uuid.UUID) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, email, name, timezone, created_at
		 FROM users WHERE org_id = $1 AND id = $2`,
		orgID, id,
	).Scan(&u.ID, &u.OrgID, &u.Email, &u.Name, &u.Timezone, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}
