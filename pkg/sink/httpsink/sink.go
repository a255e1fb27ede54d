// Package httpsink delivers batches as JSON arrays to an HTTP ingest endpoint.
package httpsink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"

	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

const maxResponseBytes = 1 << 20

// Config configures the HTTP sink.
type Config struct {
	URL         string
	APIKey      string
	Compression string // zstd, gzip, none
	Timeout     time.Duration
	Service     string
	Host        string
}

// ConfigFrom maps the sink section of the agent config.
func ConfigFrom(c config.SinkConfig) Config {
	return Config{
		URL:         c.URL,
		APIKey:      c.APIKey,
		Compression: c.Compression,
		Timeout:     c.Timeout,
		Service:     c.Service,
	}
}

// Sink posts batches to Config.URL.
type Sink struct {
	cfg        Config
	client     *http.Client
	instanceID string
	zenc       *zstd.Encoder
	arenas     fastjson.ArenaPool
	parsers    fastjson.ParserPool
	logger     *slog.Logger
}

// New creates an HTTP sink.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: http sink url is required", core.ErrConfigInvalid)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	s := &Sink{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		instanceID: uuid.NewString(),
		logger:     logger,
	}
	if cfg.Compression == "zstd" {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		s.zenc = enc
	}
	return s, nil
}

func (s *Sink) Name() string { return "http" }

// InstanceID identifies this agent process to the ingest endpoint.
func (s *Sink) InstanceID() string { return s.instanceID }

// Deliver posts b and classifies the response.
func (s *Sink) Deliver(ctx context.Context, b *core.Batch) core.Result {
	body, encoding, err := s.encode(b)
	if err != nil {
		// The batch cannot be encoded; resending it will not help.
		return core.RejectedResult(fmt.Errorf("%w: encode batch: %w", core.ErrSinkRejected, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return core.UnavailableResult(fmt.Errorf("%w: %w", core.ErrSinkUnavailable, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	req.Header.Set("X-Instance-ID", s.instanceID)
	req.Header.Set("X-Batch-ID", b.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return core.UnavailableResult(fmt.Errorf("%w: %w", core.ErrSinkUnavailable, err))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return core.UnavailableResult(fmt.Errorf("%w: read response: %w", core.ErrSinkUnavailable, err))
	}

	return s.classify(b, resp.StatusCode, respBody)
}

func (s *Sink) classify(b *core.Batch, status int, body []byte) core.Result {
	switch {
	case status >= 200 && status < 300:
		return s.parseAck(b, body)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return core.UnavailableResult(fmt.Errorf("%w: status %d: %s", core.ErrSinkUnavailable, status, snippet(body)))
	default:
		return core.RejectedResult(fmt.Errorf("%w: status %d: %s", core.ErrSinkRejected, status, snippet(body)))
	}
}

// parseAck reads an optional per-record acknowledgement:
//
//	{"accepted":[{"source_id":"..","max_seq":N}], "rejected":[{"source_id":"..","seq":N}]}
//
// An empty or unrecognised body acknowledges the whole batch.
func (s *Sink) parseAck(b *core.Batch, body []byte) core.Result {
	if len(bytes.TrimSpace(body)) == 0 {
		return core.AcceptedResult()
	}
	p := s.parsers.Get()
	defer s.parsers.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil || v.Type() != fastjson.TypeObject {
		s.logger.Debug("ignoring unparseable sink response", "batch", b.ID, "err", err)
		return core.AcceptedResult()
	}

	rejectedVals := v.GetArray("rejected")
	if len(rejectedVals) == 0 {
		return core.AcceptedResult()
	}

	type key struct {
		src string
		seq uint64
	}
	byKey := make(map[key]core.Record, len(b.Records))
	for _, r := range b.Records {
		byKey[key{r.SourceID, r.Seq}] = r
	}
	var rejected []core.Record
	for _, rv := range rejectedVals {
		k := key{string(rv.GetStringBytes("source_id")), rv.GetUint64("seq")}
		if r, ok := byKey[k]; ok {
			rejected = append(rejected, r)
		}
	}

	var acks []core.Ack
	if accepted := v.Get("accepted"); accepted != nil {
		for _, av := range accepted.GetArray() {
			acks = append(acks, core.Ack{
				SourceID: string(av.GetStringBytes("source_id")),
				MaxSeq:   av.GetUint64("max_seq"),
			})
		}
	} else {
		acks = impliedAcks(b)
	}
	return core.PartialResult(acks, rejected)
}

// impliedAcks acknowledges every source of b up to its highest sequence.
func impliedAcks(b *core.Batch) []core.Ack {
	idx := make(map[string]int)
	var acks []core.Ack
	for _, r := range b.Records {
		if i, ok := idx[r.SourceID]; ok {
			if r.Seq > acks[i].MaxSeq {
				acks[i].MaxSeq = r.Seq
			}
			continue
		}
		idx[r.SourceID] = len(acks)
		acks = append(acks, core.Ack{SourceID: r.SourceID, MaxSeq: r.Seq})
	}
	return acks
}

func (s *Sink) encode(b *core.Batch) ([]byte, string, error) {
	a := s.arenas.Get()
	defer s.arenas.Put(a)

	arr := a.NewArray()
	for i, r := range b.Records {
		arr.SetArrayItem(i, s.row(a, r))
	}
	raw := arr.MarshalTo(nil)

	switch s.cfg.Compression {
	case "zstd":
		return s.zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), "zstd", nil
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, "", err
		}
		if err := zw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	}
	return raw, "", nil
}

func (s *Sink) row(a *fastjson.Arena, r core.Record) *fastjson.Value {
	o := a.NewObject()
	o.Set("timestamp", a.NewNumberString(strconv.FormatInt(r.Timestamp.UnixNano(), 10)))
	o.Set("level", a.NewString(level(r)))
	o.Set("message", a.NewStringBytes(r.Payload))
	service := s.cfg.Service
	if job := r.Labels[core.LabelJob]; job != "" {
		service = job
	}
	o.Set("service", a.NewString(service))
	o.Set("host", a.NewString(s.cfg.Host))
	o.Set("source_id", a.NewString(r.SourceID))
	o.Set("seq", a.NewNumberString(strconv.FormatUint(r.Seq, 10)))

	attrs := a.NewObject()
	for k, v := range r.Labels {
		attrs.Set(k, a.NewString(v))
	}
	o.Set("attributes", attrs)
	return o
}

// level reports stderr lines as errors. The payload itself is not inspected.
func level(r core.Record) string {
	if r.Labels[core.LabelStream] == "stderr" {
		return "ERROR"
	}
	return "INFO"
}

func snippet(body []byte) string {
	const n = 200
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}

// Close releases the compressor.
func (s *Sink) Close() error {
	if s.zenc != nil {
		return s.zenc.Close()
	}
	return nil
}

var _ core.Sink = (*Sink)(nil)
