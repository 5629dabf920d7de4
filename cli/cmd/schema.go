package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pbotros/river-io/cli/config"
	"github.com/pbotros/river-io/cli/render"
	"github.com/pbotros/river-io/runtime"
	"github.com/pbotros/river-io/types"
)

// SchemaResponse describes the record layout a run would write.
type SchemaResponse struct {
	Source     string        `json:"source"`
	SampleSize int           `json:"sample_size"`
	Fields     []SchemaField `json:"fields"`
	JSON       string        `json:"json"`
}

// SchemaField is one field of SchemaResponse.
type SchemaField struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int    `json:"size"`
	Offset int    `json:"offset"`
}

// SchemaCommand returns the schema command.
func SchemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Show the record schema for an event schema or config (spikes by default)",
		Flags: append(ReadOnlyFlags(),
			ConfigFlag,
			&cli.StringFlag{
				Name:  "json",
				Usage: "Event schema JSON to describe",
			},
		),
		Action: schemaAction,
	}
}

func schemaAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	data := c.String("json")
	if data == "" && c.String("config") != "" {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return cli.Exit(err.Error(), runtime.ExitCodeInputError)
		}
		data = cfg.EventSchemaJSON
	}

	if data == "" {
		return r.Render(describeSchema("spike", types.SpikeSchema()))
	}
	schema, err := types.ParseSchemaJSON(data)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInputError)
	}
	return r.Render(describeSchema("event", schema))
}

func describeSchema(source string, schema *types.StreamSchema) SchemaResponse {
	resp := SchemaResponse{
		Source:     source,
		SampleSize: schema.SampleSize(),
		JSON:       schema.JSON(),
	}
	offset := 0
	for _, f := range schema.Fields() {
		resp.Fields = append(resp.Fields, SchemaField{
			Name:   f.Name(),
			Type:   string(f.Type()),
			Size:   f.Size(),
			Offset: offset,
		})
		offset += f.Size()
	}
	return resp
}
