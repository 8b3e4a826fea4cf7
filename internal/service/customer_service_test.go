package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailroom/internal/database/dbtest"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/models"
)

func TestCustomerService_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesWithHints", func(t *testing.T) {
		db := dbtest.Open(t)
		svc := NewCustomerService(db, nil)

		c, err := svc.Resolve(ctx, "Jane Doe <Jane@Example.COM...>", models.ProfileHints{FirstName: "Jane", LastName: "Doe"})
		require.NoError(t, err)
		assert.NotZero(t, c.ID)
		assert.Equal(t, "Jane", c.FirstName)
		assert.Equal(t, "Doe", c.LastName)
		require.Len(t, c.Emails, 1)
		assert.Equal(t, "jane@example.com", c.Emails[0].Email)
		assert.Equal(t, models.EmailPrimary, c.Emails[0].Type)
	})

	t.Run("ReturningCustomerIsNotRenamed", func(t *testing.T) {
		db := dbtest.Open(t)
		svc := NewCustomerService(db, nil)

		first, err := svc.Resolve(ctx, "jane@example.com", models.ProfileHints{FirstName: "Jane", LastName: "Doe"})
		require.NoError(t, err)
		again, err := svc.Resolve(ctx, "JANE@example.com", models.ProfileHints{FirstName: "Janet", LastName: "Smith", Company: "Acme"})
		require.NoError(t, err)

		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, "Jane", again.FirstName)
		assert.Equal(t, "Doe", again.LastName)
		assert.Empty(t, again.Company)
		assert.Equal(t, 1, dbtest.Count(t, db, `SELECT COUNT(*) FROM customers`))
	})

	t.Run("InvalidAddressCreatesNothing", func(t *testing.T) {
		db := dbtest.Open(t)
		svc := NewCustomerService(db, nil)

		for _, raw := range []string{"", "not-an-email", "@x.com", "user@"} {
			_, err := svc.Resolve(ctx, raw, models.ProfileHints{FirstName: "X"})
			assert.ErrorIs(t, err, emailaddr.ErrInvalidAddress, raw)
		}
		assert.Zero(t, dbtest.Count(t, db, `SELECT COUNT(*) FROM customers`))
	})
}

func TestApplyHints(t *testing.T) {
	t.Run("FillsOnlyEmptyFields", func(t *testing.T) {
		c := &models.Customer{FirstName: "Jane", Company: "Acme"}
		changed := ApplyHints(c, models.ProfileHints{FirstName: "Janet", LastName: "Doe", Company: "Other", City: "Berlin"}, false)
		assert.True(t, changed)
		assert.Equal(t, "Jane", c.FirstName)
		assert.Equal(t, "Doe", c.LastName)
		assert.Equal(t, "Acme", c.Company)
		assert.Equal(t, "Berlin", c.City)
	})

	t.Run("NameHalvesAreGuardedIndependently", func(t *testing.T) {
		c := &models.Customer{LastName: "Doe"}
		ApplyHints(c, models.ProfileHints{FirstName: "Jane", LastName: "Smith"}, false)
		assert.Equal(t, "Jane", c.FirstName)
		assert.Equal(t, "Doe", c.LastName)
	})

	t.Run("ReplaceOverwrites", func(t *testing.T) {
		c := &models.Customer{FirstName: "Jane", Phone: "123"}
		changed := ApplyHints(c, models.ProfileHints{FirstName: "Janet", Phone: " "}, true)
		assert.True(t, changed)
		assert.Equal(t, "Janet", c.FirstName)
		assert.Equal(t, "123", c.Phone, "blank hints are not hints")
	})

	t.Run("BackgroundFillsEmptyNotesOnly", func(t *testing.T) {
		c := &models.Customer{}
		assert.True(t, ApplyHints(c, models.ProfileHints{Background: "VIP"}, false))
		assert.Equal(t, "VIP", c.Notes)

		c = &models.Customer{Notes: "agent wrote this"}
		assert.False(t, ApplyHints(c, models.ProfileHints{Background: "VIP"}, true))
		assert.Equal(t, "agent wrote this", c.Notes)
	})

	t.Run("NoChange", func(t *testing.T) {
		c := &models.Customer{FirstName: "Jane"}
		assert.False(t, ApplyHints(c, models.ProfileHints{FirstName: "Jane"}, true))
		assert.False(t, ApplyHints(c, models.ProfileHints{}, false))
	})
}

func TestCustomerService_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	svc := NewCustomerService(db, nil)

	c, err := svc.Resolve(ctx, "jane@example.com", models.ProfileHints{FirstName: "Jane"})
	require.NoError(t, err)

	updated, err := svc.UpdateProfile(ctx, c.ID, models.ProfileHints{FirstName: "Janet", JobTitle: "CTO"}, false)
	require.NoError(t, err)
	assert.Equal(t, "Jane", updated.FirstName)
	assert.Equal(t, "CTO", updated.JobTitle)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "CTO", stored.JobTitle)

	_, err = svc.UpdateProfile(ctx, 9999, models.ProfileHints{FirstName: "x"}, true)
	assert.ErrorIs(t, err, ErrCustomerNotFound)

	require.NoError(t, svc.AddEmail(ctx, c.ID, "Jane.Doe@Example.com"))
	stored, err = svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, stored.Emails, 2)
	assert.Equal(t, "jane@example.com", stored.PrimaryEmail())
	assert.Equal(t, "jane.doe@example.com", stored.Emails[1].Email)
}
