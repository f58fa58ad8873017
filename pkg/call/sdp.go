package call

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pixelbender/go-sdp/sdp"
)

// ErrNoCodec is returned when an offer shares no codec with us.
var ErrNoCodec = errors.New("no common codec")

var defaultAudio = []*sdp.Format{
	{Payload: 0, Name: "PCMU", ClockRate: 8000},
	{Payload: 8, Name: "PCMA", ClockRate: 8000},
}

var defaultVideo = []*sdp.Format{
	{Payload: 96, Name: "VP8", ClockRate: 90000},
}

var telephoneEvent = &sdp.Format{Payload: 101, Name: "telephone-event", ClockRate: 8000, Params: []string{"0-16"}}

var staticPayloads = map[string]*sdp.Format{
	"pcmu": {Payload: 0, Name: "PCMU", ClockRate: 8000},
	"gsm":  {Payload: 3, Name: "GSM", ClockRate: 8000},
	"pcma": {Payload: 8, Name: "PCMA", ClockRate: 8000},
	"g722": {Payload: 9, Name: "G722", ClockRate: 8000},
	"g729": {Payload: 18, Name: "G729", ClockRate: 8000, Params: []string{"annexb=no"}},
	"opus": {Payload: 111, Name: "opus", ClockRate: 48000, Channels: 2},
	"vp8":  {Payload: 96, Name: "VP8", ClockRate: 90000},
	"vp9":  {Payload: 98, Name: "VP9", ClockRate: 90000},
	"h264": {Payload: 97, Name: "H264", ClockRate: 90000, Params: []string{"packetization-mode=1"}},
}

// formats maps account codec names such as "PCMA/8000/1" to payload
// formats; unknown names are skipped.
func formats(names []string, def []*sdp.Format) []*sdp.Format {
	var out []*sdp.Format
	for _, name := range names {
		base := strings.ToLower(strings.SplitN(name, "/", 2)[0])
		if f, ok := staticPayloads[base]; ok {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// media is the local media description of a call.
type media struct {
	addr    net.IP
	port    int
	audio   []*sdp.Format
	video   []*sdp.Format
	version int64
	id      int64
}

func newMedia(addr net.IP, port int, audio, video []string, withVideo bool) *media {
	m := &media{
		addr:  addr,
		port:  port,
		audio: append(formats(audio, defaultAudio), telephoneEvent),
		id:    time.Now().UnixNano() / 1e6,
	}
	if withVideo {
		m.video = formats(video, defaultVideo)
	}
	if m.addr == nil {
		m.addr = net.IPv4(127, 0, 0, 1)
	}
	return m
}

func (m *media) connection() *sdp.Connection {
	typ := "IP4"
	if m.addr.To4() == nil {
		typ = "IP6"
	}
	return &sdp.Connection{Network: "IN", Type: typ, Address: m.addr.String()}
}

// session renders a description with the given direction; audio and video
// restrict the formats to those of an offer when set.
func (m *media) session(mode string, audio, video []*sdp.Format) *sdp.Session {
	m.version++
	conn := m.connection()
	sess := &sdp.Session{
		Origin: &sdp.Origin{
			Username:       "-",
			SessionID:      m.id,
			SessionVersion: m.id + m.version,
			Network:        conn.Network,
			Type:           conn.Type,
			Address:        conn.Address,
		},
		Name:       "-",
		Timing:     &sdp.Timing{Start: time.Time{}, Stop: time.Time{}},
		Connection: conn,
	}
	if audio == nil {
		audio = m.audio
	}
	sess.Media = append(sess.Media, &sdp.Media{
		Type:   "audio",
		Port:   m.port,
		Proto:  "RTP/AVP",
		Mode:   mode,
		Format: audio,
	})
	if video == nil {
		video = m.video
	}
	if len(video) > 0 {
		sess.Media = append(sess.Media, &sdp.Media{
			Type:   "video",
			Port:   m.port + 2,
			Proto:  "RTP/AVP",
			Mode:   mode,
			Format: video,
		})
	}
	return sess
}

// Offer renders a new offer.
func (m *media) Offer(hold bool) string {
	mode := sdp.SendRecv
	if hold {
		mode = sdp.SendOnly
	}
	return m.session(mode, nil, nil).String()
}

// Answer matches the remote offer and renders the answer. remoteHold is
// set when the offer puts us on hold.
func (m *media) Answer(offer string, hold bool) (answer string, remoteHold bool, err error) {
	remote, err := sdp.Parse([]byte(offer))
	if err != nil {
		return "", false, err
	}

	var audio, video []*sdp.Format
	remoteMode := sdp.SendRecv
	for _, rm := range remote.Media {
		switch rm.Type {
		case "audio":
			audio = match(m.audio, rm.Format)
			if rm.Mode != "" {
				remoteMode = rm.Mode
			}
		case "video":
			video = match(m.video, rm.Format)
		}
	}
	if len(audio) == 0 {
		return "", false, ErrNoCodec
	}

	mode := sdp.SendRecv
	switch remoteMode {
	case sdp.SendOnly:
		mode, remoteHold = sdp.RecvOnly, true
	case sdp.Inactive:
		mode, remoteHold = sdp.Inactive, true
	case sdp.RecvOnly:
		mode = sdp.SendOnly
	}
	if hold && mode == sdp.SendRecv {
		mode = sdp.SendOnly
	}
	if video == nil {
		video = []*sdp.Format{}
	}
	return m.session(mode, audio, video).String(), remoteHold, nil
}

// match keeps the local formats the remote offers, with the remote payload
// numbers for dynamic types.
func match(local, remote []*sdp.Format) []*sdp.Format {
	var out []*sdp.Format
	for _, r := range remote {
		for _, l := range local {
			if strings.EqualFold(l.Name, r.Name) && (r.ClockRate == 0 || l.ClockRate == r.ClockRate) {
				f := *l
				f.Payload = r.Payload
				out = append(out, &f)
				break
			}
			if r.Name == "" && r.Payload < 96 && r.Payload == l.Payload {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// RemoteMode returns the audio direction of an SDP body.
func RemoteMode(body string) string {
	sess, err := sdp.Parse([]byte(body))
	if err != nil {
		return ""
	}
	for _, m := range sess.Media {
		if m.Type == "audio" {
			if m.Mode == "" {
				return sdp.SendRecv
			}
			return m.Mode
		}
	}
	return ""
}

// ParseDTMF extracts the key of an application/dtmf-relay body.
func ParseDTMF(body string) (rune, bool) {
	for _, line := range strings.Split(body, "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "signal") {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) != 1 {
			if n, err := strconv.Atoi(value); err == nil && n >= 10 && n <= 11 {
				return []rune{'*', '#'}[n-10], true
			}
			return 0, false
		}
		return rune(value[0]), true
	}
	return 0, false
}
