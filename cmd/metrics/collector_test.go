package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/fanout"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver(t *testing.T) {
	c := New()
	obs := c.Observer("upload")

	obs(fanout.Outcome{Key: "a", Duration: time.Second})
	obs(fanout.Outcome{Key: "b", Duration: time.Second})
	obs(fanout.Outcome{Key: "c", Err: errors.New("denied")})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues("upload", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues("upload", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues("export", "success")))
}

func TestObserveConsolidationAndSink(t *testing.T) {
	c := New()
	c.ObserveConsolidation("get_sales", 3*time.Second, nil)
	c.ObserveConsolidation("orders", time.Second, errors.New("mismatch"))
	c.ObserveSinkInsert(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.consolidationsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consolidationsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sinkInsertsTotal.WithLabelValues("success")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.consolidationDuration))
}

func TestHandler(t *testing.T) {
	c := New()
	c.Observer("export")(fanout.Outcome{Key: "t"})

	// collectors are isolated from the default registry
	New()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `bi_toolkit_tasks_total{stage="export",status="success"} 1`))
}
