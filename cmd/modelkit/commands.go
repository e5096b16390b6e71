package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/documents"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/mcp"
	"github.com/modelkit/modelkit/pkg/memory"
	"github.com/modelkit/modelkit/pkg/modelkit"
)

// providerFlags are the model selection flags shared by chat and embed.
type providerFlags struct {
	Provider string `help:"Provider name (openai, claude, gemini, ollama, ...)."`
	Model    string `help:"Model identifier."`
	BaseURL  string `help:"Override the provider base URL."`
	APIKey   string `help:"API key (falls back to config and environment)."`
}

func (f *providerFlags) options() chat.Options {
	return chat.Options{
		Provider: f.Provider,
		BaseURL:  f.BaseURL,
		APIKey:   f.APIKey,
	}
}

func (f *providerFlags) params() chat.Params {
	if f.Model == "" {
		return nil
	}
	return chat.Params{"model": f.Model}
}

func configure(cli *CLI) error {
	if cli.Config == "" {
		return nil
	}
	return modelkit.Configure(cli.Config)
}

// ChatCmd sends a single message, or drops into a REPL when no message
// is given.
type ChatCmd struct {
	providerFlags
	Message []string `arg:"" optional:"" help:"Message to send. Omit for interactive mode."`
	System  string   `help:"System prompt."`
	Stream  bool     `help:"Stream the response." default:"true"`
}

func (c *ChatCmd) Run(cli *CLI) error {
	if err := configure(cli); err != nil {
		return err
	}
	if len(c.Message) == 0 {
		return c.repl()
	}
	return c.send(context.Background(), modelkit.NewMessage(), strings.Join(c.Message, " "))
}

func (c *ChatCmd) send(ctx context.Context, conversation *chat.Message, text string) error {
	if c.System != "" {
		conversation.System(c.System)
	}
	conversation.User(text)

	if c.Stream {
		err := modelkit.ChatStream(ctx, conversation, func(chunk map[string]any) {
			fmt.Print(llms.ChunkText(chunk))
		}, c.params(), c.options(), nil)
		fmt.Println()
		return err
	}

	out, err := modelkit.Chat(ctx, conversation, c.params(), c.options(), nil)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func (c *ChatCmd) repl() error {
	fmt.Println("modelkit interactive chat. /clear resets the conversation, /quit exits.")
	conversation := modelkit.NewMessage()
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return nil
		case line == "/clear":
			conversation = modelkit.NewMessage()
			fmt.Println("conversation cleared")
			continue
		}
		if err := c.send(context.Background(), conversation, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// EmbedCmd generates an embedding vector for the given text.
type EmbedCmd struct {
	providerFlags
	Text []string `arg:"" help:"Text to embed."`
	Full bool     `help:"Print the full vector instead of a summary."`
}

func (c *EmbedCmd) Run(cli *CLI) error {
	if err := configure(cli); err != nil {
		return err
	}
	resp, err := modelkit.Embed(context.Background(), strings.Join(c.Text, " "), c.params(), c.options())
	if err != nil {
		return err
	}
	for _, embedding := range resp.Embeddings {
		if c.Full {
			fmt.Println(embedding)
			continue
		}
		preview := embedding
		if len(preview) > 8 {
			preview = preview[:8]
		}
		fmt.Printf("dimensions=%d tokens=%d preview=%v\n", len(embedding), resp.Usage.TotalTokens, preview)
	}
	return nil
}

// ServeCmd runs an MCP server over HTTP.
type ServeCmd struct {
	Name           string   `help:"Server name." default:"default"`
	Host           string   `help:"Bind address." default:"0.0.0.0"`
	Port           int      `help:"Listen port." default:"8080"`
	DocsFolder     string   `help:"Folder whose files are exposed as MCP resources." type:"path"`
	AllowedOrigins []string `help:"CORS origins (exact, *.domain wildcard, or *)."`
	AuthUser       string   `help:"Basic auth username."`
	AuthPass       string   `help:"Basic auth password."`
	MaxBodySize    int64    `help:"Maximum request body size in bytes (0 = unlimited)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if err := configure(cli); err != nil {
		return err
	}

	server := modelkit.MCPServer(c.Name, mcp.ServerOptions{
		AllowedOrigins:     c.AllowedOrigins,
		BasicAuthUser:      c.AuthUser,
		BasicAuthPass:      c.AuthPass,
		MaxRequestBodySize: c.MaxBodySize,
	}, false)

	if c.DocsFolder != "" {
		if err := registerDocs(server, c.DocsFolder); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("MCP server %q listening on %s\n", c.Name, addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		fmt.Printf("\nreceived %s, shutting down\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
}

// registerDocs exposes each readable file under root as a lazily read
// file:// resource.
func registerDocs(server *mcp.Server, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if documents.ForFile(path) == nil {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			relative = info.Name()
		}
		return server.RegisterResource(mcp.Resource{
			URI:      "file://" + filepath.ToSlash(relative),
			Name:     relative,
			MimeType: "text/plain",
			Reader: func(ctx context.Context) (string, error) {
				data, err := os.ReadFile(path)
				return string(data), err
			},
		})
	})
}

// IngestCmd loads documents from a folder into a vector memory.
type IngestCmd struct {
	providerFlags
	Folder       string   `arg:"" help:"Folder to ingest." type:"path"`
	Kind         string   `help:"Vector backend (boxvector, qdrant, pinecone, chroma, pgvector, weaviate, milvus, opensearch, mysql, typesense)." default:"boxvector"`
	URL          string   `help:"Backend URL."`
	StoreKey     string   `help:"Backend API key."`
	DSN          string   `help:"Backend DSN for SQL-backed stores."`
	Collection   string   `help:"Collection name." default:"modelkit_docs"`
	Extensions   []string `help:"Restrict ingestion to these file extensions."`
	ChunkSize    int      `help:"Chunk size in tokens (0 = no chunking)." default:"512"`
	ChunkOverlap int      `help:"Token overlap between chunks." default:"64"`
}

func (c *IngestCmd) Run(cli *CLI) error {
	if err := configure(cli); err != nil {
		return err
	}

	store, err := memory.NewVectorStore(c.Kind, memory.Config{
		Key:    c.Collection,
		URL:    c.URL,
		APIKey: c.StoreKey,
		DSN:    c.DSN,
	})
	if err != nil {
		return err
	}
	vectorMemory, err := memory.NewVector(store, memory.Config{
		Key:              c.Collection,
		Settings:         modelkit.Settings(),
		EmbeddingModel:   c.Model,
		EmbeddingOptions: c.options(),
	})
	if err != nil {
		return err
	}

	builder := modelkit.Documents(documents.NewDir(c.Folder, c.Extensions...))
	if c.ChunkSize > 0 {
		model := c.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		if builder, err = builder.Chunked(model, c.ChunkSize, c.ChunkOverlap); err != nil {
			return err
		}
	}

	report, err := builder.ToMemory(context.Background(), vectorMemory)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %d/%d documents (%d chunks, %d duplicates skipped) into %s/%s\n",
		report.Stored, report.Documents, report.Chunks, report.Duplicates, c.Kind, c.Collection)
	return nil
}
