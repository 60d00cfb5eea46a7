package oracle

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/group/edwards25519"
	"go.dedis.ch/kyber/v4/sign/eddsa"
	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/magic-number/pkg/logger"
)

const (
	vrfInputTag  = "VRF_INPUT"
	vrfOutputTag = "VRF_OUTPUT"
	vrfHKDFSalt  = "magicnumber-vrf"

	defaultVRFQueue = 64
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// VRFKey signs VRF inputs. It is derived deterministically from a master seed.
type VRFKey struct {
	signer *eddsa.EdDSA
}

// DeriveVRFKey expands masterSeed into an ed25519 signing key for keyID.
func DeriveVRFKey(masterSeed []byte, keyID string) (*VRFKey, error) {
	if len(masterSeed) < 32 {
		return nil, fmt.Errorf("%w: master seed must be at least 32 bytes", ErrInvalidKey)
	}
	reader := hkdf.New(sha256.New, masterSeed, []byte(vrfHKDFSalt), []byte(keyID))
	material := make([]byte, 32)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, fmt.Errorf("derive vrf key: %w", err)
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("derive vrf key: %w", err)
	}
	stream := cipher.NewCTR(block, make([]byte, aes.BlockSize))
	return &VRFKey{signer: eddsa.NewEdDSA(stream)}, nil
}

// PublicKey returns the marshalled public point.
func (k *VRFKey) PublicKey() ([]byte, error) {
	return k.signer.Public.MarshalBinary()
}

// KeyHash identifies the key in requests.
func (k *VRFKey) KeyHash() []byte {
	pub, err := k.PublicKey()
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(pub)
	return sum[:]
}

// Evaluate produces randomness and its proof for a request.
func (k *VRFKey) Evaluate(req PendingRequest) (Delivery, error) {
	proof, err := k.signer.Sign(vrfInput(req))
	if err != nil {
		return Delivery{}, fmt.Errorf("sign vrf input: %w", err)
	}
	return Delivery{
		RequestID:  req.ID,
		Randomness: vrfOutput(proof),
		Proof:      proof,
	}, nil
}

func vrfInput(req PendingRequest) []byte {
	h := sha256.New()
	h.Write([]byte(vrfInputTag))
	h.Write([]byte(req.ID))
	h.Write(req.KeyHash)
	h.Write(req.Seed)
	return h.Sum(nil)
}

func vrfOutput(proof []byte) []byte {
	h := sha256.New()
	h.Write([]byte(vrfOutputTag))
	h.Write(proof)
	return h.Sum(nil)
}

// VRFVerifier checks proofs against a known public key.
type VRFVerifier struct {
	public kyber.Point
}

// NewVRFVerifier parses a marshalled public point.
func NewVRFVerifier(publicKey []byte) (*VRFVerifier, error) {
	point := suite.Point()
	if err := point.UnmarshalBinary(publicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &VRFVerifier{public: point}, nil
}

// Verify checks the proof signs the request input and the randomness is
// derived from the proof.
func (v *VRFVerifier) Verify(req PendingRequest, d Delivery) error {
	if len(d.Proof) == 0 {
		return errors.New("missing proof")
	}
	if err := eddsa.Verify(v.public, vrfInput(req), d.Proof); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if !bytes.Equal(d.Randomness, vrfOutput(d.Proof)) {
		return errors.New("randomness does not match proof")
	}
	return nil
}

type vrfJob struct {
	req     PendingRequest
	deliver DeliverFunc
}

// VRFProvider answers requests in-process on its own worker goroutine.
type VRFProvider struct {
	key   *VRFKey
	log   *logger.Logger
	delay time.Duration
	queue chan vrfJob

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewVRFProvider creates a provider. delay postpones each fulfilment.
func NewVRFProvider(key *VRFKey, delay time.Duration, log *logger.Logger) *VRFProvider {
	if log == nil {
		log = logger.NewDefault("oracle-vrf")
	}
	return &VRFProvider{
		key:   key,
		log:   log,
		delay: delay,
		queue: make(chan vrfJob, defaultVRFQueue),
	}
}

func (p *VRFProvider) Name() string { return "vrf" }

// Start launches the fulfilment worker.
func (p *VRFProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case job := <-p.queue:
				p.fulfill(runCtx, job)
			}
		}
	}()
	p.log.Info("vrf provider started")
	return nil
}

// Stop halts the worker. Queued jobs are dropped.
func (p *VRFProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("vrf provider stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a request for fulfilment.
func (p *VRFProvider) Submit(ctx context.Context, req PendingRequest, deliver DeliverFunc) error {
	_ = ctx
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrProviderStopped
	}
	select {
	case p.queue <- vrfJob{req: req, deliver: deliver}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *VRFProvider) fulfill(ctx context.Context, job vrfJob) {
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	delivery, err := p.key.Evaluate(job.req)
	if err != nil {
		p.log.WithError(err).WithField("request_id", job.req.ID).Error("vrf evaluation failed")
		return
	}
	if err := job.deliver(ctx, delivery); err != nil {
		p.log.WithError(err).WithField("request_id", job.req.ID).Warn("vrf delivery not accepted")
	}
}
