package recipients

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"outreach/internal/jobconfig"
	"outreach/internal/model"
	"outreach/internal/storage"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSVDropsFlaggedRows(t *testing.T) {
	t.Parallel()

	data := "Name,EMAIL,unsubscribe_flag,bounce_flag,complaint_flag\n" +
		"A, a@example.com ,0,0,0\n" +
		"B,b@example.com,1,0,0\n" +
		"C,c@example.com,0,0,1\n" +
		"D,,0,0,0\n" +
		"E,e@example.com\n"

	got, err := ReadCSV(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{Email: "a@example.com"}, {Email: "e@example.com"}}, got)
}

func TestReadCSVRequiresEmailColumn(t *testing.T) {
	t.Parallel()

	_, err := ReadCSV(strings.NewReader("name,phone\nx,1\n"))
	assert.Error(t, err)

	got, err := ReadCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadCSVMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadCSV(filepath.Join(t.TempDir(), "nope.csv"))
	assert.True(t, errors.Is(err, ErrFileMissing))
}

func TestLoaderPicksFileByJobType(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	marketing := filepath.Join(dir, "marketing.csv")
	leads := filepath.Join(dir, "leads.csv")
	require.NoError(t, os.WriteFile(marketing, []byte("Email\nm@example.com\n"), 0o600))
	require.NoError(t, os.WriteFile(leads, []byte("email\nl@example.com\n"), 0o600))

	loader := NewLoader(&stubStore{}, Files{Marketing: marketing, Leads: leads})
	cfg := jobconfig.Default()
	now := time.Now()

	got, err := loader.Load(context.Background(), model.JobTypeVendorOutreach, cfg, now)
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{Email: "m@example.com"}}, got)

	got, err = loader.Load(context.Background(), model.JobTypeLeads, cfg, now)
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{Email: "l@example.com"}}, got)

	_, err = NewLoader(&stubStore{}, Files{}).Load(context.Background(), model.JobTypeMassEmail, cfg, now)
	assert.True(t, errors.Is(err, ErrFileMissing))
}

func TestLoaderLeadsSkipsSent(t *testing.T) {
	t.Parallel()

	store := &stubStore{leads: []model.Lead{
		{ID: 1, Email: "a@example.com"},
		{ID: 2, Email: "b@example.com", MassEmailSent: true},
		{ID: 3, Email: "c@example.com"},
	}}
	cfg := jobconfig.Default()
	cfg.RecipientSource = jobconfig.SourceLeadsDB

	got, err := NewLoader(store, Files{}).Load(context.Background(), model.JobTypeLeads, cfg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{Email: "a@example.com", LeadID: 1}, {Email: "c@example.com", LeadID: 3}}, got)
}

func TestOutreachBatchAppliesFilter(t *testing.T) {
	t.Parallel()

	store := &stubStore{emails: []string{"x@example.com"}}
	cfg := jobconfig.Default()
	cfg.RecipientSource = jobconfig.SourceOutreachDB
	cfg.DateFilter = jobconfig.FilterLastNDays
	cfg.LookbackDays = 3
	cfg.BatchSize = 50
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

	got, err := NewLoader(store, Files{}).OutreachBatch(context.Background(), cfg, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"x@example.com"}, got)
	require.NotNil(t, store.lastQuery.Since)
	assert.True(t, store.lastQuery.Since.Equal(now.AddDate(0, 0, -3)))
	assert.Equal(t, 50, store.lastQuery.Limit)
}

func TestSince(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC)
	cfg := jobconfig.Default()

	assert.Nil(t, Since(cfg, now))

	cfg.DateFilter = jobconfig.FilterToday
	got := Since(cfg, now)
	require.NotNil(t, got)
	assert.True(t, got.Equal(time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)))

	cfg.DateFilter = jobconfig.FilterLastNDays
	cfg.LookbackDays = 0
	got = Since(cfg, now)
	require.NotNil(t, got)
	assert.True(t, got.Equal(now.AddDate(0, 0, -jobconfig.DefaultLookbackDays)))
}

// --- stubs ---

type stubStore struct {
	leads     []model.Lead
	emails    []string
	lastQuery storage.ContactQuery
}

func (s *stubStore) ListLeads(context.Context) ([]model.Lead, error) {
	return s.leads, nil
}

func (s *stubStore) ActiveContactEmails(_ context.Context, q storage.ContactQuery) ([]string, error) {
	s.lastQuery = q
	return s.emails, nil
}
