package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

type countingPatients struct {
	calls int32
	inner Patients
}

func (c *countingPatients) DosingProfile(ctx context.Context, id string) (*DosingProfile, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.inner.DosingProfile(ctx, id)
}

func TestDosingProfile_Validate(t *testing.T) {
	p := DosingProfile{PatientID: "p1", WindowStart: 6 * 60, WindowEnd: 10 * 60, TimeZone: "America/New_York"}
	require.NoError(t, p.Validate())

	bad := p
	bad.WindowStart, bad.WindowEnd = 600, 500
	assert.ErrorIs(t, bad.Validate(), takehome.ErrValidation)

	bad = p
	bad.TimeZone = "Mars/Olympus"
	assert.ErrorIs(t, bad.Validate(), takehome.ErrValidation)
}

func TestCachedPatients_ReadThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	static := NewStatic()
	static.PutProfile(DosingProfile{PatientID: "p1", Location: takehome.Location{Lat: 40.7, Lng: -74}, WindowEnd: 600})
	src := &countingPatients{inner: static}
	cache := NewCachedPatients(src, rdb, time.Minute, zap.NewNop())
	ctx := context.Background()

	p, err := cache.DosingProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 40.7, p.Location.Lat)

	_, err = cache.DosingProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
	assert.True(t, mr.Exists(profileKeyPrefix+"p1"))

	mr.FastForward(2 * time.Minute)
	_, err = cache.DosingProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))

	require.NoError(t, cache.Invalidate(ctx, "p1"))
	assert.False(t, mr.Exists(profileKeyPrefix+"p1"))
}

func TestCachedPatients_NotFoundIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCachedPatients(NewStatic(), rdb, time.Minute, nil)

	_, err := cache.DosingProfile(context.Background(), "ghost")
	assert.ErrorIs(t, err, takehome.ErrNotFound)
	assert.False(t, mr.Exists(profileKeyPrefix+"ghost"))
}

func TestCachedPatients_RedisDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	static := NewStatic()
	static.PutProfile(DosingProfile{PatientID: "p1"})
	cache := NewCachedPatients(static, rdb, time.Minute, nil)

	p, err := cache.DosingProfile(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.PatientID)
}

func TestHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		switch r.URL.Path {
		case "/patients/p1/dosing-profile":
			_ = json.NewEncoder(w).Encode(DosingProfile{
				Location:    takehome.Location{Lat: 1, Lng: 2},
				WindowStart: 360,
				WindowEnd:   720,
				TimeZone:    "UTC",
			})
		case "/staff/s1/roles":
			_ = json.NewEncoder(w).Encode(roleResponse{Roles: []string{"nurse", RoleCounselor}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "secret"
	c := NewHTTPClient(cfg, nil)
	ctx := context.Background()

	p, err := c.DosingProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.PatientID)
	assert.Equal(t, 720, p.WindowEnd)

	_, err = c.DosingProfile(ctx, "p2")
	assert.ErrorIs(t, err, takehome.ErrNotFound)

	ok, err := c.HasRole(ctx, "s1", RoleCounselor)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasRole(ctx, "s2", RoleCounselor)
	require.NoError(t, err)
	assert.False(t, ok)
}
