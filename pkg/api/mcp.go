package api

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/kit"
)

// RegisterMCPTools registers the partition tools on the server. Tool calls go
// through the same endpoints as HTTP.
func RegisterMCPTools(srv *server.MCPServer, s Services, devMode bool) {
	eps := newEndpoints(s)
	errText := func(err error) string { return describe(err, devMode) }

	kinds := make([]string, 0, 2)
	for _, ds := range dataset.All() {
		kinds = append(kinds, string(ds.Kind()))
	}
	kindArg := mcp.WithString("kind", mcp.Required(), mcp.Enum(kinds...),
		mcp.Description("Dataset kind: market (daily mandi prices, key YYYY) or apy (area/production/yield, key YYYY-YYYY)"))
	keyArg := mcp.WithString("key", mcp.Required(), mcp.Description("Partition key, e.g. 2025 or 2024-2025"))

	kit.RegisterMCPTool(srv, mcp.NewTool("list_partitions",
		mcp.WithDescription("List the declared partitions of a dataset, newest first."),
		kindArg,
	), eps.list, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &listReq{Kind: req.GetString("kind", "")}}, nil
	}, errText)

	kit.RegisterMCPTool(srv, mcp.NewTool("declare_partition",
		mcp.WithDescription("Declare a new partition and create its storage."),
		kindArg, keyArg,
		mcp.WithString("description", mcp.Description("Free-text description")),
	), eps.declare, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &declareReq{
			Kind:        req.GetString("kind", ""),
			Key:         req.GetString("key", ""),
			Description: req.GetString("description", ""),
		}}, nil
	}, errText)

	kit.RegisterMCPTool(srv, mcp.NewTool("query_data",
		mcp.WithDescription("Query the rows of a partition. Filters match fields exactly; comma-separated values match any; variety and arrivals match substrings."),
		kindArg, keyArg,
		mcp.WithObject("filters", mcp.Description("Field filters, e.g. {\"stateName\": \"MH,UP\", \"variety\": \"onion\"}")),
		mcp.WithString("from", mcp.Description("Earliest reported date, YYYY-MM-DD (market only)")),
		mcp.WithString("to", mcp.Description("Latest reported date, YYYY-MM-DD (market only)")),
		mcp.WithNumber("page", mcp.Description("Page number, from 1")),
		mcp.WithNumber("limit", mcp.Description("Rows per page, at most 1000 (default 50)")),
	), eps.query, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		filters, err := stringMap(req.GetArguments()["filters"])
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &queryReq{
			Kind:    req.GetString("kind", ""),
			Key:     req.GetString("key", ""),
			Filters: filters,
			From:    req.GetString("from", ""),
			To:      req.GetString("to", ""),
			Page:    req.GetInt("page", 0),
			Limit:   req.GetInt("limit", 0),
		}}, nil
	}, errText)

	kit.RegisterMCPTool(srv, mcp.NewTool("distinct_filter_values",
		mcp.WithDescription("List filter values of a partition. District values narrow to the given states; market values to the given states and districts."),
		kindArg, keyArg,
		mcp.WithString("stateName", mcp.Description("Comma-separated states")),
		mcp.WithString("districtName", mcp.Description("Comma-separated districts")),
	), eps.filters, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &filtersReq{
			Kind: req.GetString("kind", ""),
			Key:  req.GetString("key", ""),
			Selected: map[string]string{
				dataset.FieldStateName:    req.GetString(dataset.FieldStateName, ""),
				dataset.FieldDistrictName: req.GetString(dataset.FieldDistrictName, ""),
			},
		}}, nil
	}, errText)
}

func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("filters: want an object, got %T", v)
	}
	out := make(map[string]string, len(raw))
	for k, x := range raw {
		switch s := x.(type) {
		case string:
			out[k] = s
		case float64, bool:
			out[k] = fmt.Sprint(s)
		default:
			return nil, fmt.Errorf("filters.%s: want a string, got %T", k, x)
		}
	}
	return out, nil
}
