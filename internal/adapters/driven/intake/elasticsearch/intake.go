// Package elasticsearch pushes records to Elasticsearch with the bulk API.
//
// Every record is sent as a "create" action whose document id is the
// record's dedup id. A replayed record therefore collides with the stored
// one and comes back as 409, which counts as accepted: the index itself is
// the idempotent intake.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// keyPlaceholder in the index name is replaced with the intake key.
const keyPlaceholder = "{intake_key}"

// Config configures the bulk intake.
type Config struct {
	Addresses []string `toml:"addresses" validate:"required,min=1,dive,url"`
	Username  string   `toml:"username"`
	Password  string   `toml:"password"`
	APIKey    string   `toml:"api_key"`
	Index     string   `toml:"index" validate:"required"`
	Pipeline  string   `toml:"pipeline"`
}

// Intake implements driven.Intake on the Elasticsearch bulk API.
type Intake struct {
	cfg    Config
	client *elasticsearch.Client
}

// Ensure Intake implements the interface.
var _ driven.Intake = (*Intake)(nil)

// Option configures an Intake.
type Option func(*elasticsearch.Config)

// WithTransport sets the HTTP transport used by the client.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *elasticsearch.Config) { c.Transport = rt }
}

// New creates a bulk intake.
func New(cfg Config, opts ...Option) (*Intake, error) {
	if len(cfg.Addresses) == 0 || cfg.Index == "" {
		return nil, fmt.Errorf("elasticsearch addresses and index: %w", domain.ErrInvalidInput)
	}

	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		APIKey:    cfg.APIKey,
		// Retries belong to the forwarder, which knows the error kinds.
		DisableRetry: true,
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	for _, opt := range opts {
		opt(&esCfg)
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &Intake{cfg: cfg, client: client}, nil
}

// IndexFor returns the index receiving records for intakeKey.
func (i *Intake) IndexFor(intakeKey string) string {
	return strings.ToLower(strings.ReplaceAll(i.cfg.Index, keyPlaceholder, intakeKey))
}

type bulkAction struct {
	Create bulkMeta `json:"create"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool                      `json:"errors"`
	Items  []map[string]bulkItemResp `json:"items"`
}

type bulkItemResp struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// Push indexes one chunk. The whole chunk fails if any item fails; items
// already stored are accepted again on retry.
func (i *Intake) Push(ctx context.Context, intakeKey string, records []domain.EncodedRecord) (driven.IntakeResponse, error) {
	const op = "elasticsearch bulk"
	if len(records) == 0 {
		return driven.IntakeResponse{}, nil
	}

	index := i.IndexFor(intakeKey)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(bulkAction{Create: bulkMeta{Index: index, ID: r.DedupID}}); err != nil {
			return driven.IntakeResponse{}, domain.PermanentFail(op, err)
		}
		buf.Write(bytes.TrimSpace(r.Body))
		buf.WriteByte('\n')
	}

	reqOpts := []func(*esapi.BulkRequest){i.client.Bulk.WithContext(ctx)}
	if i.cfg.Pipeline != "" {
		reqOpts = append(reqOpts, i.client.Bulk.WithPipeline(i.cfg.Pipeline))
	}
	res, err := i.client.Bulk(&buf, reqOpts...)
	if err != nil {
		return driven.IntakeResponse{}, domain.Transient(op, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return driven.IntakeResponse{}, classifyStatus(op, res.StatusCode,
			fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return driven.IntakeResponse{}, domain.Transient(op, fmt.Errorf("decoding bulk response: %w", err))
	}
	return collect(op, br)
}

// collect turns item results into ids, or the most severe item failure.
func collect(op string, br bulkResponse) (driven.IntakeResponse, error) {
	ids := make([]string, 0, len(br.Items))
	var transientErr, permanentErr error
	for _, item := range br.Items {
		for _, res := range item {
			if res.Status < 300 || res.Status == http.StatusConflict {
				ids = append(ids, res.ID)
				continue
			}
			reason := fmt.Sprintf("item %s: status %d", res.ID, res.Status)
			if res.Error != nil {
				reason += ": " + res.Error.Type + ": " + res.Error.Reason
			}
			err := classifyStatus(op, res.Status, errors.New(reason))
			if domain.KindOf(err) == domain.KindPermanent {
				if permanentErr == nil {
					permanentErr = err
				}
			} else if transientErr == nil {
				transientErr = err
			}
		}
	}
	if permanentErr != nil {
		return driven.IntakeResponse{}, permanentErr
	}
	if transientErr != nil {
		return driven.IntakeResponse{}, transientErr
	}
	return driven.IntakeResponse{IDs: ids}, nil
}

func classifyStatus(op string, code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.RateLimited(op, 0, err)
	case code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return domain.Transient(op, err)
	default:
		return domain.PermanentFail(op, fmt.Errorf("%w: %w", domain.ErrIntakeRejected, err))
	}
}

// Close is a no-op; the client holds pooled connections only.
func (i *Intake) Close() error {
	return nil
}
