package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestNewStore(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		store, err := NewStore()
		require.NoError(t, err)
		assert.Equal(t, DefaultPattern, store.pattern)
		assert.Empty(t, store.List())
	})

	t.Run("rejects recursive pattern", func(t *testing.T) {
		_, err := NewStore(WithPattern("**/*.md"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must not descend")
	})

	t.Run("rejects bad allow pattern", func(t *testing.T) {
		_, err := NewStore(WithAllowPatterns("[unterminated"))
		assert.Error(t, err)
	})
}

func TestStoreLoad(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "recovery-toolkit.md", `# Recovery Toolkit

Keywords: Toolkit, Recovery , relapse

Steps for building a personal recovery toolkit.
`)
	writeSkill(t, dir, "contracts.md", "Draft client contracts.\nkeywords: contract, agreement\n")
	writeSkill(t, dir, "notes.txt", "# Not a skill")
	writeSkill(t, dir, "bad name.md", "# Bad slug")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "binary.md"), []byte{0xff, 0xfe, 0xfd}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	writeSkill(t, filepath.Join(dir, "nested"), "deep.md", "# Deep")

	store, err := NewStore()
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background(), dir))

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "contracts", list[0].Name)
	assert.Equal(t, "recovery-toolkit", list[1].Name)

	toolkit, err := store.Get("recovery-toolkit")
	require.NoError(t, err)
	assert.Equal(t, "Recovery Toolkit", toolkit.Title)
	assert.Equal(t, []string{"recovery", "relapse", "toolkit"}, toolkit.Keywords)
	assert.Equal(t, len(toolkit.Content), toolkit.Size())
	assert.Equal(t, filepath.Join(dir, "recovery-toolkit.md"), toolkit.Path)

	contracts, err := store.Get("contracts")
	require.NoError(t, err)
	assert.Equal(t, "contracts", contracts.Title, "title falls back to the slug")
	assert.Equal(t, []string{"agreement", "contract"}, contracts.Keywords)

	count, total := store.Stats()
	assert.Equal(t, 2, count)
	assert.Equal(t, toolkit.Size()+contracts.Size(), total)
	assert.Equal(t, dir, store.Dir())
}

func TestStoreGetIsCaseSensitive(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "Intake.md", "# Intake")

	store, err := NewStore()
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background(), dir))

	_, err = store.Get("Intake")
	assert.NoError(t, err)

	_, err = store.Get("intake")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreLoadMissingDirectoryKeepsPreviousIndex(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "kept.md", "# Kept")

	store, err := NewStore()
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background(), dir))

	err = store.Load(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)

	list := store.List()
	require.Len(t, list, 1)
	assert.Equal(t, "kept", list[0].Name)
}

func TestStoreAllowPatterns(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "sales-intake.md", "# Sales intake")
	writeSkill(t, dir, "sales-followup.md", "# Sales follow-up")
	writeSkill(t, dir, "billing.md", "# Billing")

	store, err := NewStore(WithAllowPatterns("sales-*"))
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background(), dir))

	var names []string
	for _, s := range store.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"sales-followup", "sales-intake"}, names)
}

func TestStoreReload(t *testing.T) {
	t.Run("before any load", func(t *testing.T) {
		store, err := NewStore()
		require.NoError(t, err)
		assert.Error(t, store.Reload(context.Background()))
	})

	t.Run("picks up changes", func(t *testing.T) {
		dir := t.TempDir()
		writeSkill(t, dir, "first.md", "# First")

		store, err := NewStore()
		require.NoError(t, err)
		require.NoError(t, store.Load(context.Background(), dir))
		require.Len(t, store.List(), 1)

		writeSkill(t, dir, "second.md", "# Second")
		require.NoError(t, os.Remove(filepath.Join(dir, "first.md")))
		require.NoError(t, store.Reload(context.Background()))

		list := store.List()
		require.Len(t, list, 1)
		assert.Equal(t, "second", list[0].Name)
	})
}

func TestStoreReloadIsAtomic(t *testing.T) {
	oldDir := t.TempDir()
	newDir := t.TempDir()
	for i := 0; i < 20; i++ {
		writeSkill(t, oldDir, fmt.Sprintf("old-%02d.md", i), "# old")
		writeSkill(t, newDir, fmt.Sprintf("new-%02d.md", i), "# new")
	}

	store, err := NewStore()
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background(), oldDir))

	ctx := context.Background()
	var wg sync.WaitGroup
	done := make(chan struct{})
	mixed := make(chan string, 1)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				list := store.List()
				if len(list) != 20 {
					select {
					case mixed <- fmt.Sprintf("saw %d skills", len(list)):
					default:
					}
					continue
				}
				prefix := list[0].Name[:4]
				for _, s := range list {
					if s.Name[:4] != prefix {
						select {
						case mixed <- "saw old and new skills together":
						default:
						}
						break
					}
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		dir := oldDir
		if i%2 == 0 {
			dir = newDir
		}
		require.NoError(t, store.Load(ctx, dir))
	}
	close(done)
	wg.Wait()

	select {
	case msg := <-mixed:
		t.Fatal(msg)
	default:
	}
}
