package cachestatus

import (
	"testing"

	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/stretchr/testify/assert"
)

type fakeSubject struct {
	headers map[string]string
}

func newFakeSubject() *fakeSubject {
	return &fakeSubject{headers: make(map[string]string)}
}

func (f *fakeSubject) SetHeader(name, value string) {
	f.headers[name] = value
}

func TestAttachDefaultHeaderName(t *testing.T) {
	ctx := cachecontext.New()
	ctx.SetStatus(cachecontext.Hit)

	s := newFakeSubject()
	Attach(s, ctx, Config{})

	assert.Equal(t, "HIT", s.headers[DefaultHeaderName])
}

func TestAttachCustomHeaderName(t *testing.T) {
	ctx := cachecontext.New()
	ctx.SetStatus(cachecontext.StaleStatus)

	s := newFakeSubject()
	Attach(s, ctx, Config{HeaderName: "x-my-cache"})

	assert.Equal(t, "STALE", s.headers["x-my-cache"])
	_, hasDefault := s.headers[DefaultHeaderName]
	assert.False(t, hasDefault)
}

func TestAttachAllStatusValues(t *testing.T) {
	cases := []struct {
		status cachecontext.Status
		want   string
	}{
		{cachecontext.Miss, "MISS"},
		{cachecontext.Hit, "HIT"},
		{cachecontext.StaleStatus, "STALE"},
	}
	for _, c := range cases {
		ctx := cachecontext.New()
		ctx.SetStatus(c.status)
		s := newFakeSubject()
		Attach(s, ctx, Config{})
		assert.Equal(t, c.want, s.headers[DefaultHeaderName])
	}
}
