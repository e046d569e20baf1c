// Command kaanalyze processes a Saleae digital capture of the CYW43439 SPI
// bus and reports the bus-idle gaps at least as long as a threshold. While
// the client's network is suspended the bus goes quiet, so the gaps give the
// suspended windows and the bus duty cycle.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"golang.org/x/exp/constraints"
)

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "kaanalyze - Report CYW43439 SPI bus idle gaps in Saleae digital data files.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdio := flag.String("f-sd", "digital_1.bin", "Input filename: SPI SDO/SDI data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI CLK data.")
	output := flag.String("o", "", "Output filename for the gap list. Standard output if empty.")
	minGap := flag.Duration("min-gap", 200*time.Millisecond, "Minimum bus idle time reported as a gap.")
	flag.Parse()

	start := time.Now()
	txs, err := scanSPI(*sdio, *clk, *enable)
	if err != nil {
		logger.Error("scan", slog.String("err", err.Error()))
		os.Exit(1)
	}
	var w io.Writer = os.Stdout
	if *output != "" {
		fp, err := os.Create(*output)
		if err != nil {
			logger.Error("create output", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer fp.Close()
		w = fp
	}
	report := analyze(txs, *minGap)
	if err := report.write(w); err != nil {
		logger.Error("write", slog.String("err", err.Error()))
		os.Exit(1)
	}
	logger.Info("finished", slog.Int("transactions", len(txs)), slog.Duration("elapsed", time.Since(start)))
}

func scanSPI(fsdio, fclk, fenable string) ([]analyzers.TxSPI, error) {
	sdio, err := opendigital(fsdio)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdio, sdio)
	return txs, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

// busTx is a bus transaction reduced to what gap analysis needs.
type busTx struct {
	Start float64 // Seconds since capture start.
	Fn    function
}

type gap struct {
	Start  float64 // Seconds since capture start.
	Length float64 // Seconds.
	// Wake is the bus function of the transaction that ended the gap.
	Wake function
}

type report struct {
	Transactions int
	Span         float64
	Gaps         []gap
	Idle         float64
}

// DutyCycle is the fraction of the capture span not covered by gaps.
func (r report) DutyCycle() float64 {
	if r.Span <= 0 {
		return 0
	}
	return 1 - r.Idle/r.Span
}

func (r report) write(w io.Writer) error {
	for i, g := range r.Gaps {
		_, err := fmt.Fprintf(w, "gap %3d\tt=%.6f\tlen=%s\twake=%s\n", i, g.Start, seconds(g.Length), g.Wake)
		if err != nil {
			return err
		}
	}
	lengths := make([]float64, len(r.Gaps))
	for i := range r.Gaps {
		lengths[i] = r.Gaps[i].Length
	}
	_, err := fmt.Fprintf(w, "transactions=%d span=%s gaps=%d idle=%s mean_gap=%s duty=%.2f%%\n",
		r.Transactions, seconds(r.Span), len(r.Gaps), seconds(r.Idle), seconds(mean(lengths)), 100*r.DutyCycle())
	return err
}

func analyze(txs []analyzers.TxSPI, minGap time.Duration) report {
	bus := make([]busTx, len(txs))
	for i := range txs {
		bus[i] = busTx{Start: txs[i].StartTime(), Fn: commandFunction(txs[i].SDO)}
	}
	return findGaps(bus, minGap.Seconds())
}

// findGaps reports intervals between consecutive transaction starts of at
// least minGap seconds.
func findGaps(txs []busTx, minGap float64) report {
	r := report{Transactions: len(txs)}
	if len(txs) < 2 {
		return r
	}
	r.Span = txs[len(txs)-1].Start - txs[0].Start
	for i := 1; i < len(txs); i++ {
		length := txs[i].Start - txs[i-1].Start
		if length < minGap {
			continue
		}
		r.Gaps = append(r.Gaps, gap{Start: txs[i-1].Start, Length: length, Wake: txs[i].Fn})
	}
	lengths := make([]float64, len(r.Gaps))
	for i := range r.Gaps {
		lengths[i] = r.Gaps[i].Length
	}
	r.Idle = sum(lengths)
	return r
}

// commandFunction decodes the function field of a little endian gSPI
// command word.
func commandFunction(sdo []byte) function {
	if len(sdo) < 4 {
		return funcInvalid
	}
	command := binary.LittleEndian.Uint32(sdo)
	return function(command>>28) & 0b11
}

type function uint32

const (
	funcBus       function = 0b00
	funcBackplane function = 0b01
	funcWLAN      function = 0b10
	funcDMA2      function = 0b11
	funcInvalid   function = 0b111011110111
)

func (f function) String() (s string) {
	switch f {
	case funcBus:
		s = "bus"
	case funcBackplane:
		s = "backplane"
	case funcWLAN:
		s = "wlan"
	case funcDMA2:
		s = "dma2"
	case funcInvalid:
		s = "invalid"
	default:
		s = "unknown"
	}
	return s
}

func seconds[T constraints.Float](s T) time.Duration {
	return time.Duration(float64(s) * float64(time.Second)).Round(time.Microsecond)
}

func sum[T constraints.Integer | constraints.Float](v []T) (total T) {
	for _, x := range v {
		total += x
	}
	return total
}

func mean[T constraints.Float](v []T) T {
	if len(v) == 0 {
		return 0
	}
	return sum(v) / T(len(v))
}
