package cmd

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/aula/internal/db"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/protocol"
)

func TestParseProgressArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		completed bool
		want      protocol.Progress
		wantError bool
	}{
		{
			name: "partial progress",
			args: []string{"3", "17", "45"},
			want: protocol.Progress{CursoID: 3, ContenidoID: 17, Avance: 45},
		},
		{
			name: "percent suffix",
			args: []string{"3", "17", "60%"},
			want: protocol.Progress{CursoID: 3, ContenidoID: 17, Avance: 60},
		},
		{
			name: "100 implies completed",
			args: []string{"1", "2", "100"},
			want: protocol.Progress{CursoID: 1, ContenidoID: 2, Avance: 100, Completado: true},
		},
		{
			name:      "explicit completed",
			args:      []string{"1", "2", "90"},
			completed: true,
			want:      protocol.Progress{CursoID: 1, ContenidoID: 2, Avance: 90, Completado: true},
		},
		{name: "non-numeric curso", args: []string{"x", "2", "10"}, wantError: true},
		{name: "non-numeric contenido", args: []string{"1", "y", "10"}, wantError: true},
		{name: "non-numeric avance", args: []string{"1", "2", "mucho"}, wantError: true},
		{name: "avance out of range", args: []string{"1", "2", "150"}, wantError: true},
		{name: "zero curso", args: []string{"0", "2", "10"}, wantError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseProgressArgs(tc.args, tc.completed)
			if tc.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds("")
	require.NoError(t, err)
	assert.Equal(t, models.AllKinds(), kinds)

	kinds, err = parseKinds("chat")
	require.NoError(t, err)
	assert.Equal(t, []models.Kind{models.KindChat}, kinds)

	_, err = parseKinds("quiz")
	assert.Error(t, err)
}

// Without a session the message cannot be sent, so it lands in the
// pending store for the next drain.
func TestProgressCommandBuffersWhenLoggedOut(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AULA_HOME", home)
	t.Setenv("AULA_SERVER_URL", "http://127.0.0.1:1")

	rootCmd.SetArgs([]string{"progress", "3", "17", "45"})
	require.NoError(t, rootCmd.Execute())

	rootCmd.SetArgs([]string{"chat", "general", "hola", "a", "todos"})
	require.NoError(t, rootCmd.Execute())

	store, err := db.Open(home)
	require.NoError(t, err)
	defer store.Close()

	progress, err := store.ListPending(models.KindProgress)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	var p protocol.Progress
	require.NoError(t, json.Unmarshal(progress[0].Payload, &p))
	assert.Equal(t, protocol.Progress{CursoID: 3, ContenidoID: 17, Avance: 45}, p)

	chat, err := store.ListPending(models.KindChat)
	require.NoError(t, err)
	require.Len(t, chat, 1)
	msg, err := protocol.FromPendingItem(chat[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.NewChat("general", "hola a todos"), msg)
}

func TestChatCommandRejectsEmptyRoom(t *testing.T) {
	t.Setenv("AULA_HOME", t.TempDir())

	rootCmd.SetArgs([]string{"chat", "", "hola"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidChat))
}
