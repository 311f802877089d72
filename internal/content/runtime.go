package content

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

var now = time.Now

// setupGlobals installs the host objects a document's scripts see.
func (d *document) setupGlobals() {
	vm := d.vm

	// Remove dangerous globals
	for _, name := range []string{"require", "process", "module", "exports"} {
		_ = vm.Set(name, goja.Undefined())
	}

	global := vm.GlobalObject()
	_ = vm.Set("window", global)
	_ = vm.Set("self", global)
	_ = global.Set("innerWidth", d.size.Width)
	_ = global.Set("innerHeight", d.size.Height)

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(level, d.makeConsoleFunc(level))
	}
	_ = vm.Set("console", console)

	_ = vm.Set("setTimeout", d.makeTimerFunc(false))
	_ = vm.Set("setInterval", d.makeTimerFunc(true))
	_ = vm.Set("clearTimeout", d.clearTimer)
	_ = vm.Set("clearInterval", d.clearTimer)
	_ = vm.Set("alert", d.alert)
	_ = global.Set("open", d.open)

	_ = vm.Set("document", d.documentObject())
	_ = vm.Set("location", d.locationObject())
	_ = vm.Set("history", d.historyObject())
}

func (d *document) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		d.loop.record(ConsoleEntry{
			Pipeline: d.pipeline,
			Level:    level,
			Message:  strings.Join(parts, " "),
			Time:     now(),
		})
		return goja.Undefined()
	}
}

// makeTimerFunc backs setTimeout and setInterval. The orchestrator owns the
// deadline; the document only keeps the callback.
func (d *document) makeTimerFunc(periodic bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(d.vm.NewTypeError("timer callback is not a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		h := d.loop.ids.Timer()
		d.timers[h.Index] = timerEntry{fn: fn, args: args, periodic: periodic}

		msg := message.ScheduleTimer{Pipeline: d.pipeline, Handle: h, Delay: delay}
		if periodic {
			msg.Interval = max(delay, time.Millisecond)
		}
		d.loop.send(msg)
		return d.vm.ToValue(h.Index)
	}
}

func (d *document) clearTimer(call goja.FunctionCall) goja.Value {
	index := uint32(call.Argument(0).ToInteger())
	if _, ok := d.timers[index]; !ok {
		return goja.Undefined()
	}
	delete(d.timers, index)
	d.loop.send(message.CancelTimer{
		Pipeline: d.pipeline,
		Handle:   id.TimerHandle{Namespace: d.loop.ids.Namespace(), Index: index},
	})
	return goja.Undefined()
}

// alert does not wait for the embedder's answer.
func (d *document) alert(call goja.FunctionCall) goja.Value {
	d.loop.send(message.DialogRequest{
		Pipeline: d.pipeline,
		Dialog:   message.DialogAlert,
		Message:  call.Argument(0).String(),
		Reply:    make(chan message.DialogResponse, 1),
	})
	return goja.Undefined()
}

func (d *document) documentObject() *goja.Object {
	vm := d.vm
	doc := vm.NewObject()

	_ = doc.DefineAccessorProperty("title",
		vm.ToValue(func() string { return d.title }),
		vm.ToValue(func(title string) { d.setTitle(title) }),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = doc.DefineAccessorProperty("URL",
		vm.ToValue(func() string { return d.raw }), nil,
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = doc.DefineAccessorProperty("hidden",
		vm.ToValue(func() bool { return !d.visible }), nil,
		goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = doc.Set("querySelector", func(selector string) goja.Value {
		if d.dom == nil {
			return goja.Null()
		}
		return d.element(d.dom.Find(selector).First())
	})
	_ = doc.Set("querySelectorAll", func(selector string) []goja.Value {
		var out []goja.Value
		if d.dom == nil {
			return out
		}
		d.dom.Find(selector).Each(func(_ int, s *goquery.Selection) {
			out = append(out, d.element(s))
		})
		return out
	})
	_ = doc.Set("getElementById", func(elementID string) goja.Value {
		if d.dom == nil {
			return goja.Null()
		}
		match := d.dom.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.AttrOr("id", "") == elementID
		})
		return d.element(match.First())
	})
	return doc
}

// element is a read-only view of one node. Frames can be removed.
func (d *document) element(s *goquery.Selection) goja.Value {
	if s.Length() == 0 {
		return goja.Null()
	}
	vm := d.vm
	el := vm.NewObject()
	_ = el.Set("tagName", strings.ToUpper(goquery.NodeName(s)))
	_ = el.Set("id", s.AttrOr("id", ""))
	_ = el.Set("className", s.AttrOr("class", ""))
	_ = el.Set("textContent", s.Text())
	_ = el.Set("getAttribute", func(name string) goja.Value {
		v, ok := s.Attr(name)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	node := s.Get(0)
	if _, ok := d.frames[node]; ok {
		_ = el.Set("remove", func() { d.removeFrame(node) })
	}
	return el
}

func (d *document) locationObject() *goja.Object {
	vm := d.vm
	loc := vm.NewObject()

	_ = loc.DefineAccessorProperty("href",
		vm.ToValue(func() string { return d.raw }),
		vm.ToValue(func(target string) { d.navigate(target, false) }),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("pathname",
		vm.ToValue(func() string {
			if d.base == nil {
				return ""
			}
			return d.base.Path
		}), nil,
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = loc.DefineAccessorProperty("host",
		vm.ToValue(func() string {
			if d.base == nil {
				return ""
			}
			return d.base.Host
		}), nil,
		goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = loc.Set("assign", func(target string) { d.navigate(target, false) })
	_ = loc.Set("replace", func(target string) { d.navigate(target, true) })
	_ = loc.Set("reload", func() { d.traverse(0) })
	return loc
}

func (d *document) navigate(target string, replace bool) {
	d.loop.send(message.LoadURL{
		Context: d.desc.Context,
		URL:     d.resolve(target),
		Replace: replace,
		Source:  d.pipeline,
	})
}

// open asks for a new tab this document is the opener of.
func (d *document) open(call goja.FunctionCall) goja.Value {
	target := "about:blank"
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) && arg.String() != "" {
		target = d.resolve(arg.String())
	}
	d.loop.send(message.NewTopLevel{URL: target, Opener: d.pipeline})
	return goja.Undefined()
}

func (d *document) historyObject() *goja.Object {
	vm := d.vm
	h := vm.NewObject()

	_ = h.Set("pushState", func(call goja.FunctionCall) goja.Value {
		d.updateState(call.Argument(2), false)
		return goja.Undefined()
	})
	_ = h.Set("replaceState", func(call goja.FunctionCall) goja.Value {
		d.updateState(call.Argument(2), true)
		return goja.Undefined()
	})
	_ = h.Set("back", func() { d.traverse(-1) })
	_ = h.Set("forward", func() { d.traverse(1) })
	_ = h.Set("go", func(call goja.FunctionCall) goja.Value {
		d.traverse(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	})
	return h
}

// updateState changes the document URL without loading. The new URL must
// stay on the document's origin.
func (d *document) updateState(arg goja.Value, replace bool) {
	target := d.raw
	if !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		target = d.resolve(arg.String())
	}
	if target != d.raw && !d.sameOrigin(target) {
		panic(d.vm.NewTypeError("cannot change history to %s from %s", target, d.raw))
	}
	d.setURL(target)
	if replace {
		d.loop.send(message.ReplaceState{Pipeline: d.pipeline, URL: target})
		return
	}
	d.loop.send(message.PushState{Pipeline: d.pipeline, URL: target})
}

func (d *document) traverse(delta int) {
	d.loop.send(message.HistoryGo{Pipeline: d.pipeline, Delta: delta})
}
