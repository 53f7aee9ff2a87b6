package subdomain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		label   string
		wantErr bool
	}{
		// Valid labels
		{"simple lowercase", "myapp", false},
		{"with numbers", "app123", false},
		{"with hyphens", "my-cool-app", false},
		{"minimum length", "abc", false},
		{"mixed alphanumeric", "test42app", false},
		{"starts with number", "123app", false},
		{"uppercase is lowercased first", "MyApp", false},
		{"generated shape", "chara-swift-amber-fox", false},

		// Invalid labels
		{"too short", "ab", true},
		{"empty", "", true},
		{"starts with hyphen", "-myapp", true},
		{"ends with hyphen", "myapp-", true},
		{"contains underscore", "my_app", true},
		{"contains dot", "my.app", true},
		{"too long", "this-subdomain-is-way-too-long-and-should-fail-validation-because-its-over-63-chars", true},
		{"special characters", "my@app", true},
		{"spaces", "my app", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.label)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	for i := 0; i < 100; i++ {
		name := Generate()
		require.NoError(t, Validate(name), "generated name %q must validate", name)
		require.True(t, strings.HasPrefix(name, Prefix+"-"))
		require.Len(t, strings.Split(name, "-"), 4)
	}
}

func TestAllocate(t *testing.T) {
	none := func(string) bool { return false }

	t.Run("requested wins", func(t *testing.T) {
		name, honored := Allocate("myapp", none)
		require.Equal(t, "myapp", name)
		require.True(t, honored)
	})

	t.Run("requested lowercased", func(t *testing.T) {
		name, honored := Allocate("MyApp", none)
		require.Equal(t, "myapp", name)
		require.True(t, honored)
	})

	t.Run("full domain reduced to first label", func(t *testing.T) {
		name, honored := Allocate("myapp.tunnel.example.com", none)
		require.Equal(t, "myapp", name)
		require.True(t, honored)
	})

	t.Run("requested taken", func(t *testing.T) {
		name, honored := Allocate("myapp", func(n string) bool { return n == "myapp" })
		require.False(t, honored)
		require.NotEqual(t, "myapp", name)
		require.NoError(t, Validate(name))
		require.True(t, strings.HasPrefix(name, Prefix+"-"))
	})

	t.Run("requested invalid", func(t *testing.T) {
		name, honored := Allocate("a!", none)
		require.False(t, honored)
		require.NoError(t, Validate(name))
	})

	t.Run("nothing requested", func(t *testing.T) {
		name, honored := Allocate("", none)
		require.False(t, honored)
		require.NoError(t, Validate(name))
		require.True(t, strings.HasPrefix(name, Prefix+"-"))
	})

	t.Run("numeric suffix after exhausted retries", func(t *testing.T) {
		// Refuse every plain draw so Allocate is forced past the random phase.
		calls := 0
		name, honored := Allocate("", func(n string) bool {
			calls++
			return !strings.HasSuffix(n, "-2")
		})
		require.False(t, honored)
		require.Greater(t, calls, generateAttempts)
		require.True(t, strings.HasSuffix(name, "-2"))
		require.NoError(t, Validate(name))
	})
}
