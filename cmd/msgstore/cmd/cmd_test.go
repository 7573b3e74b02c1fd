package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore/pkg/engine"
	"msgstore/pkg/interaction"
	"msgstore/pkg/jobs"
	"msgstore/pkg/migrations"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSetGetRemove(t *testing.T) {
	t.Setenv("MSGSTORE_CONFIG", "")
	db := t.TempDir()

	_, err := run(t, "--db", db, "set", "settings", "theme", "string", "dark")
	require.NoError(t, err)
	_, err = run(t, "--db", db, "set", "settings", "launches", "int", "3")
	require.NoError(t, err)

	out, err := run(t, "--db", db, "get", "settings", "theme")
	require.NoError(t, err)
	assert.Equal(t, "string\tdark\n", out)

	out, err = run(t, "--db", db, "collections")
	require.NoError(t, err)
	assert.Contains(t, out, "settings")

	_, err = run(t, "--db", db, "rm", "settings", "theme")
	require.NoError(t, err)
	_, err = run(t, "--db", db, "get", "settings", "theme")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "set", "settings", "x", "nonsense", "1")
	assert.Error(t, err)
}

func TestVerifyEmptyStore(t *testing.T) {
	t.Setenv("MSGSTORE_CONFIG", "")
	db := t.TempDir()
	_, err := run(t, "--db", db, "migrate")
	require.NoError(t, err)

	out, err := run(t, "--db", db, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "decoded:    0")
	assert.Contains(t, out, "failed:     0")
}

func TestJobs(t *testing.T) {
	t.Setenv("MSGSTORE_CONFIG", "")
	dir := t.TempDir()
	_, err := run(t, "--db", dir, "migrate")
	require.NoError(t, err)

	db, err := engine.Open(engine.Options{Path: dir})
	require.NoError(t, err)
	for _, reg := range []func(*engine.DB) error{migrations.RegisterView, interaction.RegisterExtensions, jobs.RegisterExtensions} {
		require.NoError(t, reg(db))
	}
	var started string
	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		for _, r := range []jobs.Record{
			jobs.NewMessageSenderJobRecord("message_sender", "m1", "t", nil, false),
			jobs.NewMessageSenderJobRecord("message_sender", "m2", "t", nil, false),
			jobs.NewSessionResetJobRecord("session_reset", "t"),
		} {
			saved, err := jobs.Save(tx, r)
			if err != nil {
				return err
			}
			started = saved.Base().UniqueID
		}
		_, err := jobs.MarkStarted(tx, started)
		return err
	}))
	require.NoError(t, db.Close())

	out, err := run(t, "--db", dir, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "message_sender  ready=2\nsession_reset  running=1\n", out)

	out, err = run(t, "--db", dir, "jobs", "message_sender", "--status", "ready")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
	assert.Contains(t, out, "message_sender_job_record")

	out, err = run(t, "--db", dir, "jobs", "session_reset", "--status", "running")
	require.NoError(t, err)
	assert.Contains(t, out, started)

	_, err = run(t, "--db", dir, "jobs", "session_reset", "--status", "paused")
	assert.Error(t, err)
}
