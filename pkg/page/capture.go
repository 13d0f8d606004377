package page

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/capture"
	"github.com/entrhq/pagepilot/pkg/dom"
)

var backgroundURL = regexp.MustCompile(`url\(["']?(.+?)["']?\)`)

func (e *Executor) screenshot(ctx context.Context, args map[string]any) automation.ToolResult {
	opts := capture.ScreenshotOptions{
		Type:        capture.ShotVisible,
		Format:      capture.FormatPNG,
		Quality:     90,
		SaveToLocal: true,
		Filename:    stringArg(args, "filename"),
	}
	if t := stringArg(args, "type"); t != "" {
		opts.Type = capture.ShotType(t)
	}
	if f := stringArg(args, "format"); f != "" {
		opts.Format = capture.Format(f)
	}
	if q, ok := numberArg(args, "quality"); ok {
		opts.Quality = int(q)
	}
	if b, ok := args["saveToLocal"].(bool); ok && !b {
		opts.SaveToLocal = false
	}
	if b, ok := args["download"].(bool); ok && !b {
		opts.SaveToLocal = false
	}
	if opts.Filename == "" {
		opts.Filename = fmt.Sprintf("screenshot_%d", e.now().UnixMilli())
	}

	if stringArg(args, "elementId") != "" || stringArg(args, "selector") != "" {
		if el := e.ResolveTarget(args); el != nil {
			opts.Selector = dom.CSSPath(el)
			if r, ok := el.Rect(); ok {
				opts.ElementRect = &automation.Rect{X: r.X, Y: r.Y + e.doc.ScrollY(), Width: r.Width, Height: r.Height}
			}
			if err := el.ScrollIntoView(ctx); err == nil {
				e.settle(ctx)
			}
		}
	}

	if e.capture == nil {
		return automation.Failure("", automation.ErrorKindInternal, "Screenshot failed")
	}
	res := e.capture.TakeScreenshot(ctx, opts)
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "Screenshot failed"
		}
		return automation.Failure("", automation.ErrorKindTransport, msg)
	}
	return e.ok(map[string]any{
		"dataUrl":    res.DataURL,
		"downloaded": res.Downloaded,
		"filename":   res.Filename,
	})
}

func (e *Executor) download(ctx context.Context, args map[string]any) automation.ToolResult {
	opts := capture.DownloadOptions{
		URL:         stringArg(args, "url"),
		Content:     stringArg(args, "content"),
		Filename:    stringArg(args, "filename"),
		ContentType: stringArg(args, "contentType"),
	}
	if opts.ContentType == "" {
		opts.ContentType = "text/plain"
	}

	if stringArg(args, "elementId") != "" || stringArg(args, "selector") != "" {
		el := e.ResolveTarget(args)
		if el == nil {
			return automation.Failure("", automation.ErrorKindNotFound, "Element not found")
		}
		url, name := e.resourceOf(el)
		if url == "" {
			return automation.Failure("", automation.ErrorKindNotFound, "No downloadable resource found in element")
		}
		opts.URL = url
		if opts.Filename == "" {
			opts.Filename = name
		}
	}

	if opts.URL == "" && opts.Content == "" {
		return automation.Failure("", automation.ErrorKindMissingArg, "Must provide url, content, or element")
	}

	if e.capture == nil {
		return automation.Failure("", automation.ErrorKindInternal, "Download failed")
	}
	res := e.capture.DownloadFile(ctx, opts)
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "Download failed"
		}
		return automation.Failure("", automation.ErrorKindTransport, msg)
	}
	return e.ok(map[string]any{
		"downloadId": res.DownloadID,
		"filename":   res.Filename,
		"url":        opts.URL,
	})
}

// resourceOf finds the URL an element points at and a default file name.
func (e *Executor) resourceOf(el *dom.Element) (url, filename string) {
	ms := e.now().UnixMilli()
	lastSegment := func(u string) string {
		p := u
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
		base := path.Base(p)
		if base == "." || base == "/" {
			return ""
		}
		return base
	}
	mediaSrc := func() string {
		if src := el.GetAttribute("src"); src != "" {
			return src
		}
		if source, err := el.QuerySelector("source[src]"); err == nil && source != nil {
			return source.GetAttribute("src")
		}
		return ""
	}

	switch el.Tag() {
	case "img":
		src := el.GetAttribute("src")
		if src == "" {
			return "", ""
		}
		url = e.doc.ResolveURL(src)
		filename = lastSegment(url)
		if filename == "" {
			filename = fmt.Sprintf("image_%d.png", ms)
		}
	case "a":
		href := el.GetAttribute("href")
		if href == "" {
			return "", ""
		}
		url = e.doc.ResolveURL(href)
		filename = el.GetAttribute("download")
		if filename == "" {
			filename = lastSegment(url)
		}
		if filename == "" {
			filename = fmt.Sprintf("download_%d", ms)
		}
	case "video":
		if src := mediaSrc(); src != "" {
			url = e.doc.ResolveURL(src)
			filename = fmt.Sprintf("video_%d.mp4", ms)
		}
	case "audio":
		if src := mediaSrc(); src != "" {
			url = e.doc.ResolveURL(src)
			filename = fmt.Sprintf("audio_%d.mp3", ms)
		}
	default:
		if m := backgroundURL.FindStringSubmatch(el.GetAttribute("style")); m != nil {
			url = e.doc.ResolveURL(m[1])
			filename = fmt.Sprintf("background_%d.png", ms)
		}
	}
	return url, filename
}
