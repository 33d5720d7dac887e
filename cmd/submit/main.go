// Command submit seals a thought into a Flag envelope and posts it to the
// gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/SergiuNegara/lmml/pkg/auth"
	"github.com/SergiuNegara/lmml/pkg/config"
	"github.com/SergiuNegara/lmml/pkg/envelope"
	"github.com/SergiuNegara/lmml/pkg/httpx"
	"github.com/SergiuNegara/lmml/pkg/models"
	"github.com/SergiuNegara/lmml/pkg/telemetry"

	"github.com/spf13/cobra"
)

const defaultURL = "http://127.0.0.1:5000/submit"

// Testable variables for main()
var (
	osExit = os.Exit
	now    = time.Now
)

func main() {
	cmd := newRootCmd(os.Stdout, telemetry.InstrumentClient(nil))
	if err := cmd.Execute(); err != nil {
		log.Print(err)
		osExit(1)
	}
}

type options struct {
	url     string
	secret  string
	xorKey  string
	nonce   string
	thought string
	tamper  bool
	print   bool
	retry   httpx.RetryPolicy
}

func newRootCmd(out io.Writer, client *http.Client) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "submit",
		Short:         "Seal a thought into a Flag envelope and submit it",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			codec, err := newCodec(o)
			if err != nil {
				return err
			}
			flag, err := seal(codec, o.nonce, o.thought, o.tamper)
			if err != nil {
				return err
			}
			if o.print {
				fmt.Fprintln(out, flag)
				return nil
			}
			return submit(cmd.Context(), client, o, flag, out)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&o.url, "url", defaultURL, "gateway submit URL")
	pf.StringVar(&o.secret, "secret", config.DefaultHMACSecret, "HMAC secret")
	pf.StringVar(&o.xorKey, "xor-key", config.DefaultXORKey, "XOR transform key")
	pf.IntVar(&o.retry.Attempts, "attempts", 3, "tries for transport failures and 5xx responses")
	pf.DurationVar(&o.retry.InitialInterval, "retry-interval", 200*time.Millisecond, "initial retry backoff")
	f := cmd.Flags()
	f.StringVar(&o.thought, "thought", "I think: this is a practice submission", "reasoning text to sign")
	f.StringVar(&o.nonce, "nonce", "", "nonce (default: current Unix time with fractional seconds)")
	f.BoolVar(&o.tamper, "tamper", false, "replace the last four characters of the envelope with AAAA")
	f.BoolVar(&o.print, "print", false, "print the envelope instead of submitting it")

	cmd.AddCommand(newDemoCmd(out, client, &o))
	return cmd
}

// newDemoCmd runs the three practice scenarios: a valid submission, a thought
// without the marker, and a tampered envelope.
func newDemoCmd(out io.Writer, client *http.Client, o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Submit a valid, an unmarked and a tampered envelope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			codec, err := newCodec(*o)
			if err != nil {
				return err
			}
			scenarios := []struct {
				name    string
				thought string
				tamper  bool
			}{
				{"correct", "I think: the answer follows from the hint", false},
				{"missing marker", "the answer follows from the hint", false},
				{"tampered", "I think: the answer follows from the hint", true},
			}
			for _, sc := range scenarios {
				fmt.Fprintf(out, "== %s\n", sc.name)
				flag, err := seal(codec, "", sc.thought, sc.tamper)
				if err != nil {
					return err
				}
				if err := submit(cmd.Context(), client, *o, flag, out); err != nil {
					return fmt.Errorf("%s: %w", sc.name, err)
				}
			}
			return nil
		},
	}
}

func newCodec(o options) (*envelope.Codec, error) {
	signer, err := auth.NewHMAC([]byte(o.secret))
	if err != nil {
		return nil, err
	}
	return envelope.New([]byte(o.xorKey), signer)
}

func seal(codec *envelope.Codec, nonce, thought string, tamper bool) (string, error) {
	if nonce == "" {
		nonce = timestampNonce(now())
	}
	flag, err := codec.Encode(models.Message{Nonce: nonce, Thought: thought})
	if err != nil {
		return "", err
	}
	if tamper {
		flag = tamperTail(flag)
	}
	return flag, nil
}

func timestampNonce(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func tamperTail(flag string) string {
	if len(flag) < 4 {
		return "AAAA"
	}
	return flag[:len(flag)-4] + "AAAA"
}

// submit posts flag and prints the status and body. Rejections are printed,
// not returned: only transport failures are errors.
func submit(ctx context.Context, client *http.Client, o options, flag string, out io.Writer) error {
	body, err := json.Marshal(map[string]string{"Flag": flag})
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := httpx.RequestJSON(ctx, client, http.MethodPost, o.url, body, nil, o.retry)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintf(out, "status %d\n%s\n", resp.Status, resp.Body)
	return nil
}
