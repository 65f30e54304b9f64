package token

import (
	"crypto/rand"
	"io"
	mrand "math/rand/v2"

	"go.uber.org/zap"
)

// Acceptable reports whether a freshly drawn token may be issued. The generator redraws
// until it returns true.
type Acceptable func(token string) bool

// Generator produces session tokens from a cryptographically secure source.
type Generator struct {
	secure     io.Reader
	fallback   func() uint64
	acceptable Acceptable
	logger     *zap.Logger
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithSecureSource replaces crypto/rand.Reader (tests inject failing readers).
func WithSecureSource(r io.Reader) GeneratorOption {
	return func(g *Generator) { g.secure = r }
}

// WithAcceptable sets the filter applied to every drawn token.
func WithAcceptable(fn Acceptable) GeneratorOption {
	return func(g *Generator) { g.acceptable = fn }
}

// NewGenerator creates a token generator.
func NewGenerator(logger *zap.Logger, opts ...GeneratorOption) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Generator{
		secure:   rand.Reader,
		fallback: mrand.Uint64,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// maxDraws bounds redraws when an Acceptable filter rejects tokens.
const maxDraws = 32

// Generate returns a new token. degraded is true when the secure source failed and the
// token came from math/rand, or when no draw passed the Acceptable filter; callers must
// surface that.
func (g *Generator) Generate() (token string, degraded bool) {
	for i := 0; i < maxDraws; i++ {
		token, degraded = g.draw()
		if g.acceptable == nil || g.acceptable(token) {
			return token, degraded
		}
	}
	g.logger.Error("no acceptable token drawn", zap.Int("draws", maxDraws))
	return token, true
}

func (g *Generator) draw() (string, bool) {
	buf := make([]byte, Length)
	degraded := false
	if _, err := io.ReadFull(g.secure, buf); err != nil {
		g.logger.Warn("secure random source unavailable, token entropy degraded", zap.Error(err))
		degraded = true
		for i := range buf {
			buf[i] = byte(g.fallback())
		}
	}
	out := make([]byte, Length)
	for i, b := range buf {
		// 256 is a multiple of 32 so masking keeps the distribution uniform.
		out[i] = Alphabet[b&31]
	}
	return string(out), degraded
}
