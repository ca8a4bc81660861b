package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/google/uuid"
)

const localChunkRunes = 2000

// LocalClient stores uploads on disk and extracts them with the eino file loader.
// Content is ready as soon as it is written. Only content that sniffs as text
// is extracted; anything else (PDF, office documents, images) reports failed.
type LocalClient struct {
	dir    string
	loader *file.FileLoader
}

func NewLocalClient(ctx context.Context, dir string) (*LocalClient, error) {
	if dir == "" {
		return nil, errors.New("local extraction dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init ext parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &LocalClient{dir: dir, loader: loader}, nil
}

func (c *LocalClient) Upload(ctx context.Context, filename string, data []byte, mimeType string) (Handle, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Handle{}, fmt.Errorf("store upload: %w", err)
	}
	return Handle{Name: name, URI: path, MimeType: mimeType}, nil
}

func (c *LocalClient) Status(ctx context.Context, h Handle) (Status, error) {
	contentType, err := sniffFile(h.URI)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{State: StateFailed, Error: "uploaded content missing"}, nil
		}
		return Status{}, err
	}
	if !strings.HasPrefix(contentType, "text/") {
		return Status{State: StateFailed, Error: "local extraction cannot parse " + contentType}, nil
	}
	return Status{State: StateReady}, nil
}

func (c *LocalClient) ExtractText(ctx context.Context, h Handle, emit func(chunk string) error) error {
	contentType, err := sniffFile(h.URI)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(contentType, "text/") {
		return fmt.Errorf("%w: local extraction cannot parse %s", ErrRemoteFailed, contentType)
	}
	docs, err := c.loader.Load(ctx, document.Source{URI: h.URI})
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}
	for i, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		if i > 0 {
			content = "\n\n" + content
		}
		runes := []rune(content)
		for start := 0; start < len(runes); start += localChunkRunes {
			end := min(start+localChunkRunes, len(runes))
			if err := emit(string(runes[start:end])); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *LocalClient) Release(ctx context.Context, h Handle) error {
	if err := os.Remove(h.URI); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// sniffFile detects the content type from the first 512 bytes of the stored upload.
func sniffFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read upload: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}
