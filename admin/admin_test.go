package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srilakshmi/vdisk/vdisk"
)

type fakeDisk struct {
	id     string
	kicks  int
	failed bool
}

func (f *fakeDisk) ID() string { return f.id }
func (f *fakeDisk) Kick()      { f.kicks++ }
func (f *fakeDisk) MarkFailed() {
	f.failed = true
}

func (f *fakeDisk) Status() vdisk.Status {
	health := "active"
	if f.failed {
		health = "failed"
	}
	return vdisk.Status{ID: f.id, Health: health, Queued: 2}
}

func newTestServer(t *testing.T, disks ...Disk) *httptest.Server {
	logger, _ := test.NewNullLogger()
	reg := NewRegistry()
	for _, d := range disks {
		require.NoError(t, reg.Add(d))
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "vdisk_test_total", Help: "test"}))

	srv := httptest.NewServer(NewHandler(reg, promReg, logger))
	t.Cleanup(srv.Close)
	return srv
}

func TestListAndStatus(t *testing.T) {
	a, b := &fakeDisk{id: "b"}, &fakeDisk{id: "a"}
	srv := newTestServer(t, a, b)

	resp, err := http.Get(srv.URL + "/disks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []vdisk.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	resp, err = http.Get(srv.URL + "/disks/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st vdisk.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 2, st.Queued)

	resp, err = http.Get(srv.URL + "/disks/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryAndFail(t *testing.T) {
	d := &fakeDisk{id: "d"}
	srv := newTestServer(t, d)

	resp, err := http.Post(srv.URL+"/disks/d/retry", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, d.kicks)

	resp, err = http.Get(srv.URL + "/disks/d/retry")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/disks/d/fail", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, d.failed)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "vdisk_test_total")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(&fakeDisk{id: "x"}))
	assert.Error(t, reg.Add(&fakeDisk{id: "x"}))

	reg.Remove("x")
	_, ok := reg.Get("x")
	assert.False(t, ok)
}
