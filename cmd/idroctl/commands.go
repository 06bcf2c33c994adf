package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
)

// options 全局参数
type options struct {
	output      string // text | json | yaml
	nackCatalog string
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "idroctl",
		Short:        "Idro gateway protocol tool",
		Long:         "离线构造 Idro 网关指令帧、解码应答帧、查看操作码目录",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch o.output {
			case "text", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unknown output format %q", o.output)
			}
		},
	}
	root.PersistentFlags().StringVarP(&o.output, "output", "o", "text", "output format: text|json|yaml")
	root.PersistentFlags().StringVar(&o.nackCatalog, "nack-catalog", "", "YAML file overriding nack messages")

	root.AddCommand(newCodesCmd(o), newBuildCmd(o), newDecodeCmd(o))
	return root
}

// codeRow 操作码目录行
type codeRow struct {
	Code           string `json:"code" yaml:"code"`
	Hex            string `json:"hex" yaml:"hex"`
	Description    string `json:"description" yaml:"description"`
	DelayMs        int64  `json:"delay_ms" yaml:"delay_ms"`
	ResponseWaitMs int64  `json:"response_wait_ms" yaml:"response_wait_ms"`
}

func newCodesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "codes",
		Short: "List the opcode catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rows []codeRow
			for _, c := range idro.Codes() {
				rows = append(rows, codeRow{
					Code:           c.String(),
					Hex:            c.ASCIIHex(),
					Description:    c.Description(),
					DelayMs:        c.Delay().Milliseconds(),
					ResponseWaitMs: c.ResponseWait().Milliseconds(),
				})
			}
			return render(cmd.OutOrStdout(), o.output, rows, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CODE\tHEX\tWAIT\tDESCRIPTION")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", r.Code, r.Hex, r.ResponseWaitMs, r.Description)
				}
				tw.Flush()
			})
		},
	}
}

// builtCommand 构造结果
type builtCommand struct {
	Code        string `json:"code" yaml:"code"`
	Description string `json:"description" yaml:"description"`
	Hex         string `json:"hex" yaml:"hex"`
	Length      int    `json:"length" yaml:"length"`
}

func newBuildCmd(o *options) *cobra.Command {
	var code, gateway, target, args string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a command frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := idro.NewCommand(idro.ParseCode(code), gateway, target, args)
			if err != nil {
				return err
			}
			out := builtCommand{
				Code:        c.Code().String(),
				Description: c.Description(),
				Hex:         c.Hex(),
				Length:      len(c.Bytes()),
			}
			return render(cmd.OutOrStdout(), o.output, out, func(w io.Writer) {
				fmt.Fprintln(w, out.Hex)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "opcode letter (A..Z)")
	cmd.Flags().StringVar(&gateway, "gateway", "", "gateway id, 4 bytes hex")
	cmd.Flags().StringVar(&target, "target", strings.Repeat("0", 18), "target id, 9 bytes hex")
	cmd.Flags().StringVar(&args, "args", "", "argument payload hex")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("gateway")
	return cmd
}

func newDecodeCmd(o *options) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a reply frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := idro.ParseHex(args[0])
			if err != nil {
				return err
			}
			var cat *idro.NackCatalog
			if o.nackCatalog != "" {
				if cat, err = idro.LoadNackCatalog(o.nackCatalog); err != nil {
					return err
				}
			}
			s := idro.NewResponse(f, idro.ParseCode(code)).Summary(cat)
			return render(cmd.OutOrStdout(), o.output, s, func(w io.Writer) {
				printSummary(w, s)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "context opcode of the command that produced the reply")
	return cmd
}

func printSummary(w io.Writer, s idro.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "code\t%s (frame %s)\n", s.Code, s.FrameCode)
	fmt.Fprintf(tw, "shape\t%s\n", s.Shape)
	fmt.Fprintf(tw, "gateway\t%s\n", s.Gateway)
	if s.Success {
		fmt.Fprintf(tw, "result\tok (ack %s)\n", s.Ack)
	} else {
		fmt.Fprintf(tw, "result\terror %d: %s\n", s.ErrorCode, s.Message)
	}
	if len(s.Sensors) > 0 {
		fmt.Fprintf(tw, "sensors\t%v\n", s.Sensors)
	}
	if len(s.Nodes) > 0 {
		fmt.Fprintf(tw, "nodes\t%s\n", strings.Join(s.Nodes, " "))
		fmt.Fprintf(tw, "need option W\t%t\n", s.NeedOptionW)
	}
	if len(s.ErrorNodes) > 0 {
		fmt.Fprintf(tw, "error nodes\t%s\n", strings.Join(s.ErrorNodes, " "))
	}
	if s.NodeType != "" {
		fmt.Fprintf(tw, "node type\t%s\n", s.NodeType)
	}
	if len(s.Networks) > 0 {
		fmt.Fprintf(tw, "networks\t%s\n", strings.Join(s.Networks, " "))
	}
}

// render 按输出格式写出 v，text 格式交给 text 回调
func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		text(w)
		return nil
	}
}
