// Package caption renders publish captions from per-platform Liquid
// templates. Rendering is lax: a broken template degrades to a plain
// fallback caption instead of blocking a publish.
package caption

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/clipcast/autopilot/internal/domain"
)

// Platform caption ceilings in characters. Overflow is trimmed, never an
// error: a clipped caption still publishes.
var captionLimits = map[domain.Platform]int{
	domain.PlatformInstagram: 2200,
	domain.PlatformTikTok:    2200,
	domain.PlatformYouTube:   5000,
}

// DefaultTemplate is used when a platform has no configured template.
const DefaultTemplate = `{{ title | default: "New clip" }}`

var nonTagChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Renderer compiles and caches caption templates.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a caption renderer with the custom filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// Fallback value: {{ title | default: "New clip" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Hashtag form: {{ topic | hashtag }} -> #topic
	r.engine.RegisterFilter("hashtag", func(s string) string {
		return "#" + nonTagChars.ReplaceAllString(strings.TrimSpace(s), "")
	})

	// Truncate with ellipsis: {{ hook | truncate: 80 }}
	r.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// Title case: {{ title | titlecase }}
	r.engine.RegisterFilter("titlecase", func(s string) string {
		return strings.Title(strings.ToLower(s))
	})

	// Clip length as m:ss: {{ duration_ms | cliplength }}
	r.engine.RegisterFilter("cliplength", func(value interface{}) string {
		var ms int64
		switch v := value.(type) {
		case int64:
			ms = v
		case int:
			ms = int64(v)
		case float64:
			ms = int64(v)
		default:
			return fmt.Sprintf("%v", value)
		}
		secs := ms / 1000
		return fmt.Sprintf("%d:%02d", secs/60, secs%60)
	})
}

// Render produces the caption for one clip on one platform. Template errors
// log and fall back to the default template so publishing never stalls on
// authoring mistakes.
func (r *Renderer) Render(platform domain.Platform, templateStr string, clip *domain.Clip) string {
	if templateStr == "" {
		templateStr = DefaultTemplate
	}

	ctx := Context(clip)
	out, err := r.render(templateStr, ctx)
	// Liquid treats an unterminated tag as literal text rather than a parse
	// error, so leftover markers in the output mean a malformed template.
	if err == nil && leftoverMarkers(out) {
		err = fmt.Errorf("unrendered tag markers in output")
	}
	if err != nil {
		log.Printf("caption: template error for %s, using default: %v", platform, err)
		out, err = r.render(DefaultTemplate, ctx)
		if err != nil {
			out = "New clip"
		}
	}

	return TrimToLimit(platform, strings.TrimSpace(out))
}

func (r *Renderer) render(templateStr string, ctx map[string]interface{}) (string, error) {
	if cached, ok := r.cache.Load(templateStr); ok {
		return cached.(*liquid.Template).RenderString(ctx)
	}
	tpl, err := r.engine.ParseString(templateStr)
	if err != nil {
		return "", err
	}
	r.cache.Store(templateStr, tpl)
	return tpl.RenderString(ctx)
}

func leftoverMarkers(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

// Context builds the render scope from a clip. Clip params pass through
// under their own names so brand templates can reference pipeline fields
// like hook or topics directly.
func Context(clip *domain.Clip) map[string]interface{} {
	ctx := map[string]interface{}{
		"clip_id":     clip.ID,
		"duration_ms": clip.DurationMS,
	}
	for k, v := range clip.Params {
		ctx[k] = v
	}
	return ctx
}

// Hashtags derives the hashtag list from a clip's topics param.
func Hashtags(clip *domain.Clip) []string {
	raw, ok := clip.Params["topics"]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var tags []string
	for _, item := range items {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		tags = append(tags, "#"+nonTagChars.ReplaceAllString(strings.TrimSpace(s), ""))
	}
	return tags
}

// TrimToLimit clips a caption to the platform ceiling.
func TrimToLimit(platform domain.Platform, caption string) string {
	limit, ok := captionLimits[platform]
	if !ok || len(caption) <= limit {
		return caption
	}
	return caption[:limit]
}
