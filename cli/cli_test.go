package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/reconcile"
)

func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--db-path", dbPath, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportThenExport(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "contacts.db")
	in := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(in, []byte(`[
		{"emails":["zed@example.com"],"first_name":"Zed"},
		{"emails":["amy@example.com"],"first_name":"Amy"},
		{"first_name":"Nobody"}
	]`), 0o600))

	out, err := execute(t, dbPath, "import", "--file", in)
	require.NoError(t, err)
	assert.Contains(t, out, "2 created, 0 merged, 1 skipped")

	exported := filepath.Join(dir, "out.json")
	_, err = execute(t, dbPath, "export", "--file", exported)
	require.NoError(t, err)

	raw, err := os.ReadFile(exported)
	require.NoError(t, err)
	var contacts []models.Contact
	require.NoError(t, json.Unmarshal(raw, &contacts))
	require.Len(t, contacts, 2)
	assert.Equal(t, "Amy", contacts[0].FirstName)
	assert.Equal(t, "Zed", contacts[1].FirstName)
	assert.NotEmpty(t, contacts[0].InternalID)
}

func TestSyncPicksUpFormSubmissionsAndStatsReportsThem(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "contacts.db")
	store, err := db.Open(dbPath)
	require.NoError(t, err)
	_, err = store.AddSubmission(context.Background(), models.Submission{
		FirstName: "Ada",
		Email:     "ada@example.com",
	}, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := execute(t, dbPath, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "webform")
	assert.Contains(t, out, "fetched 1")

	out, err = execute(t, dbPath, "stats", "--json")
	require.NoError(t, err)
	var st reconcile.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Total)
	form, ok := st.Source(models.SourceForm)
	require.True(t, ok)
	assert.Equal(t, 1, form.Contacts)
	assert.Equal(t, db.StatusIdle, form.Status)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "full", st.LastRun.Scope)

	out, err = execute(t, dbPath, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "1 total")
}

func TestSyncRejectsMalformedKey(t *testing.T) {
	_, err := execute(t, filepath.Join(t.TempDir(), "contacts.db"), "sync", "--key", "not an email")
	assert.Error(t, err)
}

func TestStoreKeyArg(t *testing.T) {
	for in, want := range map[string]string{
		" Ada@Example.com ": "ada@example.com",
		"~square:C1":        "~square:C1",
	} {
		got, err := storeKeyArg(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := storeKeyArg("nope")
	assert.Error(t, err)
}
