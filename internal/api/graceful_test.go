package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgergate/ledgergate/internal/audit"
	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/health"
)

// The components the serve command hands to ShutdownWithComponents.
var (
	_ Shutdownable = (*health.Monitor)(nil)
	_ Shutdownable = (*config.Loader)(nil)
	_ Shutdownable = (*audit.Store)(nil)
)

type namedComponent struct {
	name string
	log  *[]string
	err  error
}

func (c *namedComponent) Shutdown(context.Context) error {
	*c.log = append(*c.log, c.name)
	return c.err
}

func TestNewHTTPServer(t *testing.T) {
	srv := NewHTTPServer("localhost:8417", http.NewServeMux())

	assert.Equal(t, "localhost:8417", srv.Addr)
	assert.Equal(t, 30*time.Second, srv.ReadTimeout)
	assert.Equal(t, 60*time.Second, srv.WriteTimeout)
	assert.Equal(t, 120*time.Second, srv.IdleTimeout)
}

func TestShutdownWithComponents(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

	t.Run("shuts components down in order", func(t *testing.T) {
		f := setupTestServer(t, config.APIConfig{}, ok, ok)

		var order []string
		components := []Shutdownable{
			&namedComponent{name: "monitor", log: &order},
			&namedComponent{name: "audit", log: &order},
		}
		require.NoError(t, ShutdownWithComponents(f.server, time.Second, components))
		assert.Equal(t, []string{"monitor", "audit"}, order)
	})

	t.Run("stops at the first failing component", func(t *testing.T) {
		f := setupTestServer(t, config.APIConfig{}, ok, ok)

		var order []string
		boom := errors.New("database already closed")
		components := []Shutdownable{
			&namedComponent{name: "first", log: &order, err: boom},
			&namedComponent{name: "second", log: &order},
		}
		err := ShutdownWithComponents(f.server, time.Second, components)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"first"}, order)
	})
}
