package kex

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/sssproto/sss/errs"
	"github.com/sssproto/sss/internal/timerqueue"
	"github.com/sssproto/sss/timer"
)

// cookieRotateInterval bounds how long a cookie stays openable. Rotating
// rather than expiring outright means a cookie issued just before a
// rotation boundary still opens against the previous key.
const cookieRotateInterval = 2 * time.Minute

// cookieJar holds the responder's current and previous minute-keys. A
// cookie seals the responder's own ephemeral private key so that, once the
// client echoes it back in Initiate, the responder can recover everything
// it needs without ever having remembered the Hello. Rotation is driven by
// a timerqueue rather than checked lazily on seal, so a jar that stops
// receiving Hellos still rotates its key out from under a captured cookie.
type cookieJar struct {
	mu        sync.Mutex
	cur, prev [32]byte
	rotatedAt time.Time

	engine timer.Engine
	tq     *timerqueue.TimerQueue
}

func newCookieJar(engine timer.Engine) (*cookieJar, error) {
	if engine == nil {
		engine = timer.Default
	}
	j := &cookieJar{rotatedAt: engine.Now(), engine: engine}
	if _, err := io.ReadFull(rand.Reader, j.cur[:]); err != nil {
		return nil, errs.NewProtocolError("kex: cookie jar init failed: %w", err)
	}
	j.tq = timerqueue.NewTimerQueue(func(interface{}) { j.rotate() }, engine)
	return j, nil
}

// start launches the jar's rotation queue and schedules the first rotation.
func (j *cookieJar) start() {
	j.tq.Start()
	j.scheduleRotation()
}

// stop halts the rotation queue's goroutine and waits for it to exit.
func (j *cookieJar) stop() {
	j.tq.Halt()
	j.tq.Wait()
}

func (j *cookieJar) scheduleRotation() {
	deadline := uint64(j.engine.Now().Add(cookieRotateInterval).UnixNano())
	j.tq.Push(deadline, struct{}{})
}

func (j *cookieJar) rotate() {
	j.mu.Lock()
	j.prev = j.cur
	io.ReadFull(rand.Reader, j.cur[:])
	j.rotatedAt = j.engine.Now()
	j.mu.Unlock()
	j.scheduleRotation()
}

func (j *cookieJar) seal(plaintext []byte) (nonce [24]byte, box []byte, err error) {
	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, errs.NewProtocolError("kex: cookie nonce generation failed: %w", err)
	}
	j.mu.Lock()
	key := j.cur
	j.mu.Unlock()
	box = secretbox.Seal(nil, plaintext, &nonce, &key)
	return nonce, box, nil
}

// open tries the current key and falls back to the previous one, so a
// cookie issued just before a rotation still opens.
func (j *cookieJar) open(nonce [24]byte, box []byte) ([]byte, error) {
	j.mu.Lock()
	cur, prev := j.cur, j.prev
	j.mu.Unlock()

	if out, ok := secretbox.Open(nil, box, &nonce, &cur); ok {
		return out, nil
	}
	if out, ok := secretbox.Open(nil, box, &nonce, &prev); ok {
		return out, nil
	}
	return nil, errs.NewAuthError("kex: cookie failed to open (expired or forged)")
}
