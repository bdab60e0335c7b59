// Package aztables stores index documents in Azure Table Storage. Equality
// and range predicates are pushed down as OData filters; everything else is
// evaluated in process.
package aztables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/domain"
	"brewlab/internal/index"
)

const (
	edmDouble = "Edm.Double"
	edmInt64  = "Edm.Int64"
)

var properties = map[index.Field]string{
	index.FieldEntityID:   "PartitionKey",
	index.FieldKind:       "EventType",
	index.FieldBrewMethod: "BrewMethod",
	index.FieldCoffeeBean: "CoffeeBean",
	index.FieldRoastLevel: "RoastLevel",
	index.FieldTasteScore: "TasteScore",
	index.FieldTimestamp:  "OccurredAt",
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type documentEntity struct {
	entityKeys
	EventType      string   `json:"EventType"`
	BrewMethod     *string  `json:"BrewMethod,omitempty"`
	CoffeeBean     *string  `json:"CoffeeBean,omitempty"`
	RoastLevel     *string  `json:"RoastLevel,omitempty"`
	TasteScore     *float64 `json:"TasteScore,omitempty"`
	TasteScoreType *string  `json:"TasteScore@odata.type,omitempty"`
	OccurredAt     int64    `json:"OccurredAt,string"`
	OccurredAtType string   `json:"OccurredAt@odata.type"`
	Body           string   `json:"Body"`
}

// Index is a table-backed search index.
type Index struct {
	table *aztables.Client
}

// New creates an Index over the named table.
func New(connStr, table string) (*Index, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Index{table: svc.NewClient(table)}, nil
}

// EnsureTable creates the table when missing.
func (s *Index) EnsureTable(ctx context.Context) error {
	if _, err := s.table.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

func toEntity(doc domain.Document) ([]byte, error) {
	body, err := index.EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	ent := documentEntity{
		entityKeys:     entityKeys{PartitionKey: doc.EntityID, RowKey: doc.ID},
		EventType:      string(doc.Kind),
		BrewMethod:     doc.BrewMethod,
		CoffeeBean:     doc.CoffeeBean,
		RoastLevel:     doc.RoastLevel,
		OccurredAt:     doc.OccurredAt.UnixMilli(),
		OccurredAtType: edmInt64,
		Body:           string(body),
	}
	if doc.TasteScore != nil {
		t := edmDouble
		ent.TasteScore = doc.TasteScore
		ent.TasteScoreType = &t
	}
	return json.Marshal(ent)
}

func fromEntity(raw []byte) (domain.Document, error) {
	var ent documentEntity
	if err := json.Unmarshal(raw, &ent); err != nil {
		return domain.Document{}, err
	}
	return index.DecodeDocument([]byte(ent.Body))
}

func (s *Index) Upsert(ctx context.Context, doc domain.Document) error {
	payload, err := toEntity(doc)
	if err != nil {
		return err
	}
	_, err = s.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// lookup finds an entity by row key alone.
func (s *Index) lookup(ctx context.Context, id string) ([]byte, error) {
	filter := "RowKey eq " + quote(id)
	top := int32(1)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if len(resp.Entities) > 0 {
			return resp.Entities[0], nil
		}
	}
	return nil, nil
}

func (s *Index) Delete(ctx context.Context, id string) error {
	raw, err := s.lookup(ctx, id)
	if err != nil || raw == nil {
		return err
	}
	var keys entityKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return err
	}
	if _, err := s.table.DeleteEntity(ctx, keys.PartitionKey, keys.RowKey, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
		return err
	}
	return nil
}

func (s *Index) Get(ctx context.Context, id string) (*domain.Document, error) {
	raw, err := s.lookup(ctx, id)
	if err != nil || raw == nil {
		return nil, err
	}
	doc, err := fromEntity(raw)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Index) Search(ctx context.Context, q index.Query) (index.Page, error) {
	if err := q.Validate(); err != nil {
		return index.Page{}, err
	}
	filter := Filter(q.Where)
	var docs []domain.Document
	err := s.list(ctx, filter, "", func(raw []byte) {
		doc, err := fromEntity(raw)
		if err != nil {
			log.WithError(err).Warn("skipping undecodable index entity")
			return
		}
		docs = append(docs, doc)
	})
	if err != nil {
		return index.Page{}, err
	}
	var tombstoned map[string]bool
	if q.ExcludeTombstoned {
		tombstoned = map[string]bool{}
		err := s.list(ctx, "EventType eq "+quote(string(domain.Deleted)), "PartitionKey", func(raw []byte) {
			var keys entityKeys
			if json.Unmarshal(raw, &keys) == nil {
				tombstoned[keys.PartitionKey] = true
			}
		})
		if err != nil {
			return index.Page{}, err
		}
	}
	return index.Apply(docs, q, tombstoned), nil
}

func (s *Index) list(ctx context.Context, filter, sel string, fn func([]byte)) error {
	opts := &aztables.ListEntitiesOptions{}
	if filter != "" {
		opts.Filter = &filter
	}
	if sel != "" {
		opts.Select = &sel
	}
	pager := s.table.NewListEntitiesPager(opts)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, raw := range resp.Entities {
			fn(raw)
		}
	}
	return nil
}

// Filter builds the OData filter for the parts of p the table service can
// evaluate. It may match more entities than p; never fewer.
func Filter(p index.Predicate) string {
	var parts []string
	switch p.Op {
	case index.OpAnd:
		for _, c := range p.Children {
			if f := pushdown(c); f != "" {
				parts = append(parts, f)
			}
		}
	default:
		if f := pushdown(p); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " and ")
}

func pushdown(p index.Predicate) string {
	prop, ok := properties[p.Field]
	if !ok {
		return ""
	}
	switch p.Op {
	case index.OpEq:
		return prop + " eq " + quote(p.Value)
	case index.OpIn:
		if len(p.Values) == 0 {
			return ""
		}
		alts := make([]string, len(p.Values))
		for i, v := range p.Values {
			alts[i] = prop + " eq " + quote(v)
		}
		return "(" + strings.Join(alts, " or ") + ")"
	case index.OpRange:
		var conds []string
		if p.Field == index.FieldTimestamp {
			if !p.From.IsZero() {
				conds = append(conds, fmt.Sprintf("%s ge %dL", prop, p.From.UnixMilli()))
			}
			if !p.To.IsZero() {
				conds = append(conds, fmt.Sprintf("%s le %dL", prop, p.To.UnixMilli()))
			}
		} else {
			if p.Min != nil {
				conds = append(conds, prop+" ge "+double(*p.Min))
			}
			if p.Max != nil {
				conds = append(conds, prop+" le "+double(*p.Max))
			}
		}
		return strings.Join(conds, " and ")
	}
	return ""
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// double renders f as an OData double literal. Integral values need a
// decimal point or the service compares them as Int32.
func double(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
