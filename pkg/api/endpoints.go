package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/ingest"
	"github.com/hazyhaar/agri-registry/pkg/kit"
	"github.com/hazyhaar/agri-registry/pkg/partition"
	"github.com/hazyhaar/agri-registry/pkg/query"
)

// Services are the domain components behind the endpoints.
type Services struct {
	Catalog  *partition.Catalog
	Registry *partition.Registry
	Ingest   *ingest.Coordinator
	Query    *query.Service
	Logger   *slog.Logger
	// Backend names the storage backend in health reports.
	Backend string
}

var validate = validator.New()

var errInvalidRequest = errors.New("invalid request")

// Shared request/response types used by both HTTP and MCP transports.

type declareReq struct {
	Kind        string `json:"-" validate:"required"`
	Key         string `json:"key" validate:"required"`
	Description string `json:"description" validate:"max=500"`
}

type listReq struct {
	Kind string `validate:"required"`
}

type uploadReq struct {
	Kind   string `validate:"required"`
	Key    string `validate:"required"`
	Upload ingest.Upload
}

type queryReq struct {
	Kind    string `validate:"required"`
	Key     string `validate:"required"`
	Filters map[string]string
	From    string `validate:"omitempty,datetime=2006-01-02"`
	To      string `validate:"omitempty,datetime=2006-01-02"`
	Page    int    `validate:"gte=0"`
	Limit   int    `validate:"gte=0,lte=1000"`
}

type filtersReq struct {
	Kind     string `validate:"required"`
	Key      string `validate:"required"`
	Selected map[string]string
}

type partitionsResponse struct {
	Partitions []partition.Info `json:"partitions"`
}

// check runs the struct validation tags and reports every failing field.
func check(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", errInvalidRequest, strings.Join(msgs, "; "))
}

func lookup(kind string) (dataset.Dataset, error) {
	return dataset.Get(dataset.Kind(kind))
}

// endpoints binds every action to the services, wrapped in the common chain.
type endpoints struct {
	declare kit.Endpoint
	list    kit.Endpoint
	upload  kit.Endpoint
	query   kit.Endpoint
	filters kit.Endpoint
}

func newEndpoints(s Services) endpoints {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	wrap := func(name string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.RequestID(), kit.Logging(s.Logger, name))(ep)
	}
	return endpoints{
		declare: wrap("declare_partition", declareEndpoint(s)),
		list:    wrap("list_partitions", listEndpoint(s)),
		upload:  wrap("upload", uploadEndpoint(s)),
		query:   wrap("query_data", queryEndpoint(s)),
		filters: wrap("distinct_filter_values", filtersEndpoint(s)),
	}
}

func declareEndpoint(s Services) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*declareReq)
		if err := check(req); err != nil {
			return nil, err
		}
		ds, err := lookup(req.Kind)
		if err != nil {
			return nil, err
		}
		return s.Catalog.Declare(ctx, ds, strings.TrimSpace(req.Key), strings.TrimSpace(req.Description))
	}
}

func listEndpoint(s Services) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*listReq)
		if err := check(req); err != nil {
			return nil, err
		}
		ds, err := lookup(req.Kind)
		if err != nil {
			return nil, err
		}
		parts, err := s.Catalog.List(ctx, ds)
		if err != nil {
			return nil, err
		}
		return partitionsResponse{Partitions: parts}, nil
	}
}

func uploadEndpoint(s Services) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*uploadReq)
		if err := check(req); err != nil {
			return nil, err
		}
		ds, err := lookup(req.Kind)
		if err != nil {
			return nil, err
		}
		return s.Ingest.ImportFile(ctx, ds, req.Key, req.Upload)
	}
}

func queryEndpoint(s Services) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*queryReq)
		if err := check(req); err != nil {
			return nil, err
		}
		ds, err := lookup(req.Kind)
		if err != nil {
			return nil, err
		}
		return s.Query.Query(ctx, ds, req.Key, query.Params{
			Filters: req.Filters,
			From:    req.From,
			To:      req.To,
			Page:    req.Page,
			Limit:   req.Limit,
		})
	}
}

func filtersEndpoint(s Services) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*filtersReq)
		if err := check(req); err != nil {
			return nil, err
		}
		ds, err := lookup(req.Kind)
		if err != nil {
			return nil, err
		}
		return s.Query.DistinctValues(ctx, ds, req.Key, query.SplitSelection(req.Selected))
	}
}
