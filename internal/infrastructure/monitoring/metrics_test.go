package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}

func TestRecordMessageAndStale(t *testing.T) {
	m := NewMetrics()

	m.RecordMessage("navigate", time.Millisecond)
	m.RecordMessage("navigate", time.Millisecond)
	m.RecordStale("timer_fired")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Messages.WithLabelValues("navigate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleMessages.WithLabelValues("timer_fired")))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalMessages)
	assert.Equal(t, int64(1), snap.StaleMessages)
}

func TestSetRegistrySizes(t *testing.T) {
	m := NewMetrics()

	m.SetRegistrySizes(2, 5, 3, map[string]int{"active": 4, "frozen": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TopLevels))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventLoops))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Pipelines.WithLabelValues("active")))
	assert.Equal(t, int64(1), m.Snapshot().FrozenPipelines)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/tabs/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tabs/1:1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/tabs/:id", "404")))
	assert.Equal(t, int64(1), m.Snapshot().TotalErrors)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewMetrics()
	m.IncCrashes()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "constellation_crashes_total 1")
}
