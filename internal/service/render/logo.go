package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"

	"github.com/vladislavdragonenkov/invoicing/internal/version"
)

const defaultLogoWidth = 360

// LogoLoader загружает логотип из файла или по HTTP, масштабирует и кеширует PNG.
// Неудачная загрузка не кешируется.
type LogoLoader struct {
	source string
	width  int
	client *resty.Client

	mu     sync.Mutex
	cached []byte
}

// NewLogoLoader создаёт загрузчик. source — путь к файлу или http(s) URL; пустой source отключает логотип.
func NewLogoLoader(source string) *LogoLoader {
	return &LogoLoader{
		source: strings.TrimSpace(source),
		width:  defaultLogoWidth,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetRetryCount(2).
			SetHeader("User-Agent", version.UserAgent()),
	}
}

// Load возвращает PNG логотипа или nil, если логотип не настроен.
func (l *LogoLoader) Load(ctx context.Context) ([]byte, error) {
	if l == nil || l.source == "" {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached != nil {
		return l.cached, nil
	}

	raw, err := l.fetch(ctx)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode logo: %w", err)
	}
	if img.Bounds().Dx() > l.width {
		img = imaging.Resize(img, l.width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode logo: %w", err)
	}
	l.cached = buf.Bytes()
	return l.cached, nil
}

func (l *LogoLoader) fetch(ctx context.Context) ([]byte, error) {
	if !strings.HasPrefix(l.source, "http://") && !strings.HasPrefix(l.source, "https://") {
		raw, err := os.ReadFile(l.source)
		if err != nil {
			return nil, fmt.Errorf("read logo: %w", err)
		}
		return raw, nil
	}

	resp, err := l.client.R().
		SetContext(ctx).
		SetHeader("Cache-Control", "no-cache").
		Get(l.source)
	if err != nil {
		return nil, fmt.Errorf("fetch logo: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch logo: unexpected status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
