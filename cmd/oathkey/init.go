package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/oathkey/internal/hexcodec"
	"github.com/knadh/oathkey/internal/oath"
	"github.com/knadh/oathkey/internal/store"
	"github.com/knadh/oathkey/internal/store/memory"
	"github.com/knadh/oathkey/internal/store/redis"
	"github.com/knadh/oathkey/internal/token"
	"github.com/knadh/oathkey/internal/transport"
	"github.com/knadh/oathkey/pkg/models"
	"github.com/sethvargo/go-retry"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("app.debug", false, "Enable debug logging (logs device traffic)")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}
	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("OATHKEY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OATHKEY_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) *logf.Logger {
	opts := logf.Opts{
		EnableCaller: true,
		Level:        logf.InfoLevel,
	}
	if debug {
		opts.Level = logf.DebugLevel
	}

	lo := logf.New(opts)
	return &lo
}

// initAuth loads the username:secret authorisation maps.
func initAuth(lo *logf.Logger) map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		k := ko.StringMap("auth." + a)
		var (
			username = k["username"]
			secret   = k["secret"]
		)

		if username == "" || secret == "" {
			lo.Fatal("username or secret keys not found", "auth", a)
		}
		out[username] = secret
	}

	return out
}

// initTransport sets up libusb and the device transport.
func initTransport(lo *logf.Logger) (*transport.USB, *transport.Transport) {
	var uc transport.USBConf
	if err := ko.UnmarshalWithConf("device", &uc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading device config", "error", err)
	}
	if !ko.Exists("device.interface") {
		uc.Interface = 1
	}

	p, err := transport.GetProtocol(ko.String("device.protocol"))
	if err != nil {
		lo.Fatal("error reading device config", "error", err)
	}

	usb := transport.NewUSB(uc)
	tr := transport.New(usb, transport.Opt{
		Protocol:       p,
		Index:          uint16(uc.Interface),
		PollRetries:    uint64(ko.Int64("device.poll_retries")),
		PollInterval:   ko.Duration("device.poll_interval"),
		ReceiveSize:    ko.Int("device.receive_size"),
		ReceiveTimeout: ko.Duration("device.receive_timeout"),
	}, lo)

	return usb, tr
}

// initOath returns the applet client.
func initOath(dev oath.Device, lo *logf.Logger) *oath.Client {
	return oath.New(dev, oath.Opt{
		ListMetadata: ko.Bool("app.list_metadata"),
		GetResponse:  oath.Instruction(ko.Int("device.get_response")),
	}, lo)
}

// initCache returns the code cache.
func initCache(lo *logf.Logger) store.Store {
	switch typ := ko.String("cache.type"); typ {
	case "", "memory":
		return memory.New()
	case "redis":
		var rc redis.Conf
		ko.UnmarshalWithConf("cache.redis", &rc, koanf.UnmarshalConf{Tag: "json"})
		return redis.New(rc)
	default:
		lo.Fatal("unknown cache type", "type", typ)
	}
	return nil
}

// initLocal loads the software-only [[local]] entries.
func initLocal(mgr *token.Manager, lo *logf.Logger) {
	for n, k := range ko.Slices("local") {
		secret, err := hexcodec.DecodeSecret(k.String("secret"))
		if err != nil {
			lo.Fatal("invalid secret in local entry", "entry", n+1, "error", err)
		}

		e := models.Entry{
			Issuer:  k.String("issuer"),
			Account: k.String("account"),
			Digits:  k.Int("digits"),
			Period:  k.Int("period"),
			Counter: uint64(k.Int64("counter")),
			Secret:  secret,
		}
		if s := k.String("type"); s != "" {
			if e.Type, err = models.ParseType(s); err != nil {
				lo.Fatal("invalid local entry", "entry", n+1, "error", err)
			}
		}
		if s := k.String("algorithm"); s != "" {
			if e.Algorithm, err = models.ParseAlgorithm(s); err != nil {
				lo.Fatal("invalid local entry", "entry", n+1, "error", err)
			}
		}

		if err := mgr.AddLocal(e); err != nil {
			lo.Fatal("invalid local entry", "entry", n+1, "error", err)
		}
	}
}

// initValidator returns a validator with English error messages.
func initValidator() (*validator.Validate, ut.Translator) {
	v := validator.New(validator.WithRequiredStructEnabled())

	enLang := en.New()
	trans, _ := ut.New(enLang, enLang).GetTranslator("en")
	if err := enTranslations.RegisterDefaultTranslations(v, trans); err != nil {
		log.Fatalf("error registering validator translations: %v", err)
	}

	return v, trans
}

// connectDevice connects to the token with exponential backoff.
func connectDevice(ctx context.Context, mgr *token.Manager, retries uint64, lo *logf.Logger) error {
	b := retry.NewExponential(500 * time.Millisecond)
	b = retry.WithCappedDuration(5*time.Second, b)
	b = retry.WithMaxRetries(retries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := mgr.Connect(); err != nil {
			lo.Warn("error connecting to device", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
