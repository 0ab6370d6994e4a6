package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/cafeloader/artifact"
	"github.com/sliverarmory/cafeloader/disasm"
	"github.com/sliverarmory/cafeloader/patch"
	"github.com/sliverarmory/cafeloader/segment"
)

var dumpDisasm bool

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Decode and print the artifacts of a title",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.TitleID == "" {
			return errors.New("--title-id is required")
		}
		titleID, err := artifact.ParseTitleID(cfg.TitleID)
		if err != nil {
			return err
		}
		order, err := cfg.Order()
		if err != nil {
			return err
		}
		locator := artifact.NewLocator(afero.NewOsFs(), cfg.Root, titleID)
		return dumpArtifacts(cmd.OutOrStdout(), locator, order, dumpDisasm)
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpDisasm, "disasm", false, "disassemble patch payloads and Code.bin as PowerPC")
}

func dumpArtifacts(w io.Writer, locator *artifact.Locator, order binary.ByteOrder, withDisasm bool) error {
	fmt.Fprintf(w, "title %s (%s)\n", locator.TitleID(), locator.TitleDir())

	var errs []error
	if err := dumpPatches(w, locator, order, withDisasm); err != nil {
		errs = append(errs, err)
	}
	if err := dumpSegments(w, locator, order, withDisasm); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func dumpPatches(w io.Writer, locator *artifact.Locator, order binary.ByteOrder, withDisasm bool) error {
	b, err := locator.ReadFile(locator.TitlePath(artifact.Patches))
	if errors.Is(err, artifact.ErrMissing) {
		fmt.Fprintf(w, "\n%s: not present\n", artifact.Patches)
		return nil
	}
	if err != nil {
		return err
	}

	reader, err := patch.NewReader(b, order)
	if err != nil {
		return fmt.Errorf("%s: %w", artifact.Patches, err)
	}

	var (
		records []patch.Record
		decErr  error
	)
	for reader.More() {
		record, err := reader.Next()
		if err != nil {
			decErr = fmt.Errorf("%s: %w", artifact.Patches, err)
			break
		}
		records = append(records, record)
	}

	fmt.Fprintf(w, "\n%s: %d of %d records, %s\n",
		artifact.Patches, len(records), reader.Count(), humanize.IBytes(uint64(len(b))))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Address", "Length", "Size"})
	table.SetAutoFormatHeaders(false)
	for i, record := range records {
		table.Append([]string{
			fmt.Sprint(i),
			fmt.Sprintf("0x%08X", record.Address),
			fmt.Sprint(len(record.Payload)),
			humanize.IBytes(uint64(len(record.Payload))),
		})
	}
	table.Render()

	if decErr == nil && reader.Remaining() > 0 {
		fmt.Fprintf(w, "%d trailing bytes ignored\n", reader.Remaining())
	}

	if withDisasm {
		for i, record := range records {
			fmt.Fprintf(w, "\nrecord %d:\n", i)
			writeLines(w, disasm.Disassemble(record.Payload, uint64(record.Address), order))
		}
	}
	return decErr
}

func dumpSegments(w io.Writer, locator *artifact.Locator, order binary.ByteOrder, withDisasm bool) error {
	addrPath := locator.TitlePath(artifact.Addr)
	codePath := locator.TitlePath(artifact.Code)
	dataPath := locator.TitlePath(artifact.Data)
	if !locator.AllExist(addrPath, codePath, dataPath) {
		fmt.Fprintf(w, "\nsegments: incomplete set, loader would skip\n")
		return nil
	}

	raw, err := locator.ReadFile(addrPath)
	if err != nil {
		return err
	}
	tbl, err := segment.ParseTable(raw, order)
	if err != nil {
		return fmt.Errorf("%s: %w", artifact.Addr, err)
	}
	code, err := locator.ReadFile(codePath)
	if err != nil {
		return err
	}
	data, err := locator.ReadFile(dataPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\nsegments:\n")
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Segment", "Address", "Length", "Size"})
	table.SetAutoFormatHeaders(false)
	table.Append([]string{"code", fmt.Sprintf("0x%08X", tbl.Code), fmt.Sprint(len(code)), humanize.IBytes(uint64(len(code)))})
	table.Append([]string{"data", fmt.Sprintf("0x%08X", tbl.Data), fmt.Sprint(len(data)), humanize.IBytes(uint64(len(data)))})
	if slot, err := tbl.CallbackSlot(); err == nil {
		table.Append([]string{"callback", fmt.Sprintf("0x%08X", slot), fmt.Sprint(segment.CallbackSlotSize), humanize.IBytes(segment.CallbackSlotSize)})
	} else {
		table.Append([]string{"callback", "invalid", "-", "-"})
	}
	table.Render()

	if withDisasm {
		fmt.Fprintf(w, "\n%s:\n", artifact.Code)
		writeLines(w, disasm.Disassemble(code, uint64(tbl.Code), order))
	}
	return nil
}

func writeLines(w io.Writer, lines []disasm.Line) {
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}
