package content

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/domain/pipeline"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/logging"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

type timerEntry struct {
	fn       goja.Callable
	args     []goja.Value
	periodic bool
}

// document is one pipeline's page: its parsed DOM, script VM and the timers
// its scripts armed. Owned by the loop goroutine.
type document struct {
	loop     *Loop
	desc     pipeline.Descriptor
	pipeline id.PipelineID
	log      *zap.Logger

	raw  string
	base *url.URL

	title   string
	size    message.Size
	visible bool
	frozen  bool
	closed  bool

	dom    *goquery.Document
	vm     *goja.Runtime
	timers map[uint32]timerEntry
	frames map[*html.Node]id.BrowsingContextID
}

func newDocument(l *Loop, desc pipeline.Descriptor) *document {
	d := &document{
		loop:     l,
		desc:     desc,
		pipeline: desc.Pipeline,
		log:      l.log.With(logging.Pipeline(desc.Pipeline)),
		size:     desc.Size,
		visible:  desc.Visible,
		vm:       goja.New(),
		timers:   make(map[uint32]timerEntry),
		frames:   make(map[*html.Node]id.BrowsingContextID),
	}
	target := desc.URL
	if desc.Document != nil && desc.Document.URL != "" {
		target = desc.Document.URL
	}
	d.setURL(target)
	if stack := l.spec.Sandbox.MaxScriptStack; stack > 0 {
		d.vm.SetMaxCallStackSize(stack)
	}
	d.setupGlobals()
	return d
}

func (d *document) setURL(raw string) {
	d.raw = raw
	u, err := url.Parse(raw)
	if err != nil {
		u = nil
	}
	d.base = u
}

// resolve makes ref absolute against the document URL.
func (d *document) resolve(ref string) string {
	if ref == "" || d.base == nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return d.base.ResolveReference(r).String()
}

func (d *document) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || d.base == nil {
		return false
	}
	return u.Scheme == d.base.Scheme && u.Host == d.base.Host
}

// load parses the document, reports it ready and runs its frames and scripts.
func (d *document) load() {
	page, err := d.source()
	if err != nil {
		d.log.Info("Rendering error page", zap.String("url", d.raw), zap.Error(err))
		page = errorPage(d.raw, err.Error())
	}

	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		dom, _ = goquery.NewDocumentFromReader(bytes.NewReader(errorPage(d.raw, err.Error())))
	}
	d.dom = dom

	if !d.loop.send(message.PipelineReady{Pipeline: d.pipeline, Generation: d.desc.Generation}) {
		return
	}
	if title := strings.TrimSpace(dom.Find("title").First().Text()); title != "" {
		d.setTitle(title)
	}

	if d.raw == hangURL {
		d.log.Warn("Document hangs its event loop")
		select {
		case <-d.loop.quit:
		case <-d.loop.spec.Outbox.Done():
		}
		return
	}

	d.loadFrames()
	d.runScripts()
	d.loop.send(message.LoadComplete{Pipeline: d.pipeline})
}

func (d *document) source() ([]byte, error) {
	if doc := d.desc.Document; doc != nil {
		if doc.Failure != "" {
			return errorPage(d.raw, doc.Failure), nil
		}
		return render(d.raw, doc.ContentType, doc.Charset, doc.Body)
	}

	switch d.raw {
	case blankURL, hangURL:
		return nil, nil
	case crashURL:
		panic("about:crash requested")
	}
	if d.base == nil {
		return nil, fmt.Errorf("malformed URL %q", d.raw)
	}
	switch d.base.Scheme {
	case "data":
		mediaType, label, body, err := decodeDataURL(d.raw)
		if err != nil {
			return nil, err
		}
		return render(d.raw, mediaType, label, body)
	case "http", "https":
		// Loaded without a fetcher.
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported URL scheme %q", d.base.Scheme)
}

func (d *document) loadFrames() {
	d.dom.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		ctx := d.loop.ids.BrowsingContext()
		d.frames[s.Get(0)] = ctx
		d.loop.send(message.CreateFrame{
			Parent:  d.pipeline,
			Context: ctx,
			Name:    s.AttrOr("name", ""),
			URL:     d.resolve(s.AttrOr("src", "")),
		})
	})
}

func (d *document) removeFrame(node *html.Node) {
	ctx, ok := d.frames[node]
	if !ok {
		return
	}
	delete(d.frames, node)
	d.loop.send(message.RemoveFrame{Parent: d.pipeline, Context: ctx})
}

func (d *document) runScripts() {
	d.dom.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if src, ok := s.Attr("src"); ok {
			d.log.Debug("Skipping external script", zap.String("src", d.resolve(src)))
			return true
		}
		if typ, ok := s.Attr("type"); ok && !isJavaScript(typ) {
			return true
		}
		d.run(s.Text())
		return !d.loop.stopping()
	})
}

func isJavaScript(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "text/javascript", "application/javascript", "module":
		return true
	}
	return false
}

func (d *document) run(code string) {
	err := d.loop.execute(d.vm, func() error {
		_, err := d.vm.RunString(code)
		return err
	})
	d.scriptError(err)
}

func (d *document) call(fn goja.Callable, args ...goja.Value) {
	err := d.loop.execute(d.vm, func() error {
		_, err := fn(goja.Undefined(), args...)
		return err
	})
	d.scriptError(err)
}

func (d *document) scriptError(err error) {
	if err == nil || errors.Is(err, pipeline.ErrLoopClosed) {
		return
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		d.log.Warn("Script interrupted", zap.String("reason", fmt.Sprint(interrupted.Value())))
	} else {
		d.log.Debug("Uncaught script error", zap.Error(err))
	}
	d.loop.record(ConsoleEntry{Pipeline: d.pipeline, Level: "error", Message: err.Error(), Time: now()})
}

// dispatchEvent calls a window.on* handler if one is installed.
func (d *document) dispatchEvent(handler string, args ...goja.Value) {
	if d.frozen || d.closed {
		return
	}
	if fn, ok := goja.AssertFunction(d.vm.GlobalObject().Get(handler)); ok {
		d.call(fn, args...)
	}
}

func (d *document) setTitle(title string) {
	if title == d.title {
		return
	}
	d.title = title
	d.loop.send(message.TitleChanged{Pipeline: d.pipeline, Title: title})
}

func (d *document) resize(size message.Size) {
	d.size = size
	global := d.vm.GlobalObject()
	_ = global.Set("innerWidth", size.Width)
	_ = global.Set("innerHeight", size.Height)
	if d.dom != nil {
		d.dispatchEvent("onresize")
	}
}

func (d *document) fire(h id.TimerHandle) {
	entry, ok := d.timers[h.Index]
	if !ok {
		d.log.Debug("Fire for cleared timer", logging.Timer(h))
		return
	}
	if !entry.periodic {
		delete(d.timers, h.Index)
	}
	d.call(entry.fn, entry.args...)
}

func (d *document) popState(raw string) {
	d.setURL(raw)
	event := d.vm.NewObject()
	_ = event.Set("type", "popstate")
	_ = event.Set("state", goja.Null())
	d.dispatchEvent("onpopstate", event)
}

func (d *document) close() {
	d.closed = true
	d.timers = nil
	d.vm.Interrupt("document closed")
}
