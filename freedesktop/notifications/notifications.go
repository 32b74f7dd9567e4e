// Package notifications is a client for the Freedesktop desktop
// notifications service, org.freedesktop.Notifications on the
// session bus.
package notifications

import (
	"context"

	"github.com/danderson/dbusrpc"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = dbusrpc.ObjectPath("/org/freedesktop/Notifications")
)

// Notifications is the org.freedesktop.Notifications API.
type Notifications struct {
	*dbusrpc.Proxy
	_ struct{} `dbus:"interface=org.freedesktop.Notifications"`

	GetCapabilities      func(context.Context) ([]string, error)
	GetServerInformation func(context.Context) (ServerInformation, error)
	// Notify's parameters are app name, ID of the notification to
	// replace (0 for none), app icon, summary, body, actions, hints,
	// and expiry in milliseconds (-1 for the server default).
	Notify            func(context.Context, string, uint32, string, string, string, []string, map[string]any, int32) (uint32, error)
	CloseNotification func(context.Context, uint32) error

	// KDE extensions.
	Inhibit   func(context.Context, string, string, map[string]any) (uint32, error)
	UnInhibit func(context.Context, uint32) error
}

// ServerInformation describes the notification server.
type ServerInformation struct {
	dbusrpc.Tuple
	Name        string
	Vendor      string
	Version     string
	SpecVersion string
}

// New returns a client for the notification service reachable over
// conn.
func New(conn *dbusrpc.Conn) (*Notifications, error) {
	return Bind(conn, dbusrpc.RemoteObject{
		BusName:   busName,
		Path:      objectPath,
		AutoStart: true,
	})
}

// Bind returns a client for the notification service at obj.
func Bind(conn *dbusrpc.Conn, obj dbusrpc.RemoteObject) (*Notifications, error) {
	var ret Notifications
	if err := dbusrpc.Bind(conn, obj, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// Request is a notification to display.
type Request struct {
	AppName string
	// ReplacesID, if non-zero, is the ID of a previous notification
	// that this one replaces.
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	// Actions alternates action keys and their display labels.
	Actions []string
	Hints   map[string]any
	// Timeout is the expiry in milliseconds. 0 never expires, and -1
	// uses the server's default.
	Timeout int32
}

// Send displays req, and returns the notification's ID.
func (n *Notifications) Send(ctx context.Context, req Request) (uint32, error) {
	return n.Notify(ctx, req.AppName, req.ReplacesID, req.AppIcon, req.Summary, req.Body, req.Actions, req.Hints, req.Timeout)
}

// Capabilities enumerates the optional features of a notification
// server.
type Capabilities struct {
	// Actions reports whether notifications can carry actions, which
	// signal the sender when invoked.
	Actions bool
	// ActionIcons reports whether actions may be drawn as icons.
	ActionIcons bool
	// Body reports whether notifications have a body in addition to
	// their summary.
	Body bool
	// BodyLinks reports whether bodies may contain hyperlinks.
	BodyLinks bool
	// BodyImages reports whether bodies may contain images.
	BodyImages bool
	// BodyMarkup reports whether bodies may use the notification
	// markup subset of HTML.
	BodyMarkup bool
	Icon       bool
	// IconAnimation reports whether icons may be animated.
	IconAnimation bool
	// Persistence reports whether notifications stay on screen until
	// the user dismisses them.
	Persistence bool
	Sound       bool

	// KDE extensions.
	Inhibitions       bool
	InlineReply       bool
	ContextURLs       bool
	DisplayAppName    bool
	DisplayOriginName bool

	// Unknown lists the capabilities this package doesn't recognize.
	Unknown []string
}

// ServerCapabilities returns the features supported by the
// notification server.
func (n *Notifications) ServerCapabilities(ctx context.Context) (Capabilities, error) {
	cs, err := n.GetCapabilities(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	return ParseCapabilities(cs), nil
}

// ParseCapabilities interprets the capability strings returned by
// GetCapabilities.
func ParseCapabilities(cs []string) Capabilities {
	var ret Capabilities
	for _, c := range cs {
		switch c {
		case "actions":
			ret.Actions = true
		case "action-icons":
			ret.ActionIcons = true
		case "body":
			ret.Body = true
		case "body-hyperlinks":
			ret.BodyLinks = true
		case "body-images":
			ret.BodyImages = true
		case "body-markup":
			ret.BodyMarkup = true
		case "icon-static":
			ret.Icon = true
		case "icon-multi":
			ret.Icon = true
			ret.IconAnimation = true
		case "persistence":
			ret.Persistence = true
		case "sound":
			ret.Sound = true
		case "inhibitions":
			ret.Inhibitions = true
		case "inline-reply":
			ret.InlineReply = true
		case "x-kde-display-appname":
			ret.DisplayAppName = true
		case "x-kde-origin-name":
			ret.DisplayOriginName = true
		case "x-kde-urls":
			ret.ContextURLs = true
		default:
			ret.Unknown = append(ret.Unknown, c)
		}
	}
	return ret
}
