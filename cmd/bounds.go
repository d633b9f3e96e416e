package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"visionwatch/internal/bounds"
	"visionwatch/internal/logger"
	"visionwatch/internal/vision"
)

var boundsCmd = &cobra.Command{
	Use:   "bounds [annotation.json]",
	Short: "Print the bounding polygons of a saved annotation",
	Long: `Load an annotation response written with --save-json and print the
bounding polygon of every element at the chosen granularity, one JSON
object per line, in document order.

Granularities: page, block, paragraph, word, symbol.`,
	Example: `  # Word outlines
  visionwatch bounds out/photos/team.json --granularity word

  # Number of paragraphs only
  visionwatch bounds out/photos/team.json -g paragraph --count`,
	Args: cobra.ExactArgs(1),
	RunE: runBounds,
}

// PolygonOutput is one line of bounds output.
type PolygonOutput struct {
	Granularity string   `json:"granularity"`
	Index       int      `json:"index"`
	Vertices    [][2]int `json:"vertices"`
}

func init() {
	rootCmd.AddCommand(boundsCmd)

	boundsCmd.Flags().StringP("granularity", "g", "word", "Element level: page, block, paragraph, word or symbol")
	boundsCmd.Flags().Bool("count", false, "Print only the number of elements")
}

func runBounds(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("bounds")

	name, _ := cmd.Flags().GetString("granularity")
	countOnly, _ := cmd.Flags().GetBool("count")

	g, err := bounds.ParseGranularity(name)
	if err != nil {
		return err
	}

	ann, err := vision.LoadJSON(args[0])
	if err != nil {
		return err
	}

	if countOnly {
		fmt.Println(bounds.Count(ann.FullText, g))
		return nil
	}

	polys := bounds.Extract(ann.FullText, g)
	log.Debug().
		Str("file", args[0]).
		Str("granularity", g.String()).
		Int("polygons", len(polys)).
		Msg("Extracted bounds")

	return writePolygons(os.Stdout, g, polys)
}

func writePolygons(w io.Writer, g bounds.Granularity, polys []bounds.Polygon) error {
	enc := json.NewEncoder(w)
	for i, p := range polys {
		out := PolygonOutput{
			Granularity: g.String(),
			Index:       i,
			Vertices:    make([][2]int, len(p)),
		}
		for j, v := range p {
			out.Vertices[j] = [2]int{v.X, v.Y}
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to write polygon %d: %w", i, err)
		}
	}
	return nil
}
