package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/documind/internal/app"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	cfgPkg "github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/session"
)

type Flags struct {
	ConfigPath string
	BaseURL    string
	Model      string
	File       string
	URL        string
	MaxTokens  int
	Policy     string
	Verbose    bool
}

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	flags := parseFlags()

	if err := run(flags); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() Flags {
	var f Flags

	flag.StringVar(&f.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&f.BaseURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&f.Model, "model", "", "LLM model to use")
	flag.StringVar(&f.File, "file", "", "Document to load before the prompt opens")
	flag.StringVar(&f.URL, "url", "", "Web page to load before the prompt opens")
	flag.IntVar(&f.MaxTokens, "max-tokens", 0, "Maximum tokens per answer (1-100)")
	flag.StringVar(&f.Policy, "policy", "", "Re-upload policy: append or replace")
	flag.BoolVar(&f.Verbose, "v", false, "Log at debug level")
	flag.Parse()

	return f
}

func loadConfig(f Flags) (*cfgPkg.Config, error) {
	cfg, err := cfgPkg.LoadConfig(f.ConfigPath)
	if err != nil {
		return nil, err
	}

	// Command line flags win over the config file
	if f.BaseURL != "" {
		cfg.LLM.BaseURL = f.BaseURL
		cfg.Embedder.BaseURL = f.BaseURL
	}
	if f.Model != "" {
		cfg.LLM.Model = f.Model
	}
	if f.MaxTokens != 0 {
		cfg.LLM.MaxTokens = f.MaxTokens
	}
	if f.Policy != "" {
		cfg.Upload.Policy = f.Policy
	}
	if f.Verbose {
		cfg.Log.Level = "debug"
	} else if os.Getenv("DOCUMIND_LOG_LEVEL") == "" && f.ConfigPath == "" {
		// Keep the prompt readable unless asked otherwise
		cfg.Log.Level = "warn"
	}

	return cfg, nil
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

// spin animates a spinner until fn returns.
func spin(description string, fn func() error) error {
	bar := getSpinner(description)
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	err := fn()
	close(done)
	_ = bar.Finish()
	fmt.Print("\r")
	return err
}

func run(f Flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return err
	}
	// runs after every session has closed
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := a.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %v", err)
	}
	defer sess.Close()

	color.Cyan("\nDocuMind: chat with a document using %s", cfg.LLM.Model)
	fmt.Println("  Upload a PDF (or a text, markdown or HTML file) with /upload <path>")
	fmt.Println("  Load a web page with /url <address>")
	fmt.Println("  Ask questions about its content and enjoy concise answers")
	fmt.Println("  /clear, /history, /sources, /length <1-100>, exit")

	if f.File != "" {
		upload(ctx, sess, f.File)
	}
	if f.URL != "" {
		fetch(ctx, a, sess, f.URL)
	}

	go func() {
		<-ctx.Done()
		// Unblocks the scanner on Ctrl-C
		os.Stdin.Close()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()
	var last []models.ScoredChunk

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.ToLower(line) == "exit" {
			break
		}

		if strings.HasPrefix(line, "/") {
			cmd, arg, _ := strings.Cut(line, " ")
			arg = strings.TrimSpace(arg)

			switch cmd {
			case "/upload":
				if arg == "" {
					color.Red("Usage: /upload <path>")
					continue
				}
				upload(ctx, sess, arg)
			case "/url":
				if arg == "" {
					color.Red("Usage: /url <address>")
					continue
				}
				fetch(ctx, a, sess, arg)
			case "/clear":
				sess.ClearHistory()
				color.Green("Chat history cleared!")
			case "/history":
				printHistory(sess.History())
			case "/sources":
				printSources(last)
			case "/length":
				n, err := strconv.Atoi(arg)
				if err != nil || n < 1 || n > 100 {
					color.Red("Usage: /length <1-100>")
					continue
				}
				if err := sess.SetMaxTokens(n); err != nil {
					printError(err)
					continue
				}
				color.Green("Answers now limited to %d tokens", n)
			default:
				color.Red("Unknown command %s", cmd)
			}
			continue
		}

		if sess.State() == session.StateIdle {
			color.Yellow("No document loaded yet; answering without context.")
		}

		var answer session.Answer
		err := spin("Thinking...", func() error {
			var err error
			answer, err = sess.AnswerQuery(ctx, line)
			return err
		})
		if err != nil {
			printError(err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		last = answer.Sources
		assistantPrompt("Assistant: ")
		fmt.Println(answer.Text)
	}

	return nil
}

func upload(ctx context.Context, sess *session.Session, path string) {
	var res session.UploadResult
	err := spin("Analyzing document...", func() error {
		var err error
		res, err = sess.ProcessUpload(ctx, path)
		return err
	})
	if err != nil {
		printError(err)
		return
	}
	reportUpload(res)
}

func fetch(ctx context.Context, a *app.App, sess *session.Session, url string) {
	var res session.UploadResult
	err := spin("Fetching page...", func() error {
		doc, err := a.Web.Load(ctx, url)
		if err != nil {
			return err
		}
		res, err = sess.ProcessDocument(ctx, doc)
		return err
	})
	if err != nil {
		printError(err)
		return
	}
	reportUpload(res)
}

func reportUpload(res session.UploadResult) {
	if res.Chunks == 0 {
		color.Yellow("%s contained no extractable text.", res.Title)
		return
	}
	color.Green("✅ Document processed successfully! Ask your questions below.")
	fmt.Printf("   %s: %d chunks (%d indexed) in %s\n",
		res.Title, res.Chunks, res.TotalChunks, res.Elapsed.Round(time.Millisecond))
}

func printHistory(turns []models.ChatTurn) {
	if len(turns) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, t := range turns {
		if t.Role == models.RoleUser {
			color.Green("You: %s", t.Text)
		} else {
			color.Cyan("Assistant: %s", t.Text)
		}
	}
}

func printSources(chunks []models.ScoredChunk) {
	if len(chunks) == 0 {
		fmt.Println("No sources for the last answer.")
		return
	}
	for i, c := range chunks {
		excerpt := []rune(strings.Join(strings.Fields(c.Text), " "))
		if len(excerpt) > 120 {
			excerpt = append(excerpt[:120], '…')
		}
		fmt.Printf("%d. [%.3f] @%d %s\n", i+1, c.Score, c.StartIndex, string(excerpt))
	}
}

func printError(err error) {
	var (
		loadErr  *types.LoadError
		embedErr *types.EmbeddingError
		ctxErr   *types.ContextTooLargeError
		genErr   *types.GenerationError
	)

	switch {
	case errors.Is(err, context.Canceled):
		color.Yellow("Cancelled.")
	case errors.As(err, &loadErr):
		color.Red("Could not read %s: %v", loadErr.Source, loadErr.Err)
	case errors.As(err, &embedErr):
		color.Red("Embedding failed, is Ollama running? %v", embedErr.Err)
	case errors.As(err, &ctxErr):
		color.Red("The question and context are too long for the model (%d > %d tokens). Try /length with a smaller value.", ctxErr.Tokens, ctxErr.Limit)
	case errors.As(err, &genErr):
		color.Red("The model failed to answer: %v", genErr.Err)
	case errors.Is(err, types.ErrEmptyQuery):
		color.Red("Please type a question.")
	default:
		color.Red("Error: %v", err)
	}
}
