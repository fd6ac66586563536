package call

// Minimal EBML/WebM muxing for consult recordings: VP8 video with
// optional Opus audio, written as a live stream (unknown-size Segment,
// one cluster per video frame). Pure Go, no cgo.

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

// ebmlVint encodes v as an EBML variable-length integer for element
// sizes. Valid up to 4-byte sizes, enough for any element written here.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize marks a streamed Segment whose length is unknown at write
// time.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes one element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of
// big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data for mono 48 kHz Opus,
// required by WebM for Opus tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain
	0x00, // channel mapping family
}

// webmInitSegment builds the initialisation segment: EBML header +
// Segment start (unknown size) + Info + Tracks. Track 1 is VP8 video;
// withAudio adds Opus as track 2.
func webmInitSegment(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("vitalink")),
		ebmlElem(idWrtApp, []byte("vitalink")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	videoBody := ebmlConcat(
		ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
		ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
	)
	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)), // video
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, videoBody),
	)
	tracksBody := ebmlElem(idTrackEntry, videoEntry)

	if withAudio {
		freqBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(freqBytes, math.Float32bits(48000.0))
		audioBody := ebmlConcat(
			ebmlElem(idSampFreq, freqBytes),
			ebmlElem(idChannels, ebmlUint(1)),
		)
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(2)),
			ebmlElem(idTrackUID, ebmlUint(2)),
			ebmlElem(idTrackType, ebmlUint(2)), // audio
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, audioBody),
		)
		tracksBody = ebmlConcat(tracksBody, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracksBody))
	return buf.Bytes()
}

// webmCluster builds one Cluster with a known size so players never
// scan for the next cluster start.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(clusterMs)))
	return ebmlElem(idCluster, ebmlConcat(tcElem, blocks))
}

// webmSimpleBlock encodes a SimpleBlock: track vint, signed 16-bit
// relative timecode, flags (0x80 for keyframes), frame data.
func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+3+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// webmMuxer streams a recording to w: the init segment once the first
// keyframe reveals dimensions, then one cluster per video frame with
// queued audio blocks drained in front of the video block. Frames
// before the first keyframe are dropped.
type webmMuxer struct {
	w io.Writer

	hasAudio bool
	dimKnown bool
	width    uint16
	height   uint16
	started  bool

	// Each track's first timestamp becomes t=0. VP8 and Opus RTP clocks
	// start at independent random values; without normalization the
	// timecodes land hours apart and players discard everything.
	baseVideo    int64
	baseVideoSet bool
	baseAudio    int64
	baseAudioSet bool

	clusterStart int64
	clusterOpen  bool
	blocks       bytes.Buffer

	audioQ []audioFrame
}

type audioFrame struct {
	tsMs int64
	data []byte
}

func newWebmMuxer(w io.Writer) *webmMuxer {
	return &webmMuxer{w: w}
}

// enableAudio announces the Opus track. Ignored once the init segment
// is out.
func (m *webmMuxer) enableAudio() {
	if !m.started {
		m.hasAudio = true
	}
}

func (m *webmMuxer) writeVideo(tsMs int64, keyframe bool, data []byte) error {
	if !m.baseVideoSet {
		m.baseVideo, m.baseVideoSet = tsMs, true
	}
	ts := tsMs - m.baseVideo

	if !m.dimKnown && keyframe && len(data) >= 10 {
		// Dimensions live behind the 9D 01 2A start code of the VP8
		// keyframe header.
		if data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A {
			m.width = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
			m.height = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
		} else {
			m.width, m.height = 640, 480
		}
		m.dimKnown = true
	}
	if !m.started {
		if !m.dimKnown || !keyframe {
			return nil
		}
		if _, err := m.w.Write(webmInitSegment(m.width, m.height, m.hasAudio)); err != nil {
			return err
		}
		m.started = true
	}

	if keyframe && m.clusterOpen {
		if err := m.flush(); err != nil {
			return err
		}
	}
	if !m.clusterOpen {
		m.clusterStart = ts
		// Anchor on the earliest queued audio so its relative timecodes
		// stay non-negative.
		if len(m.audioQ) > 0 && m.audioQ[0].tsMs < ts {
			m.clusterStart = m.audioQ[0].tsMs
		}
		m.clusterOpen = true
		m.blocks.Reset()
		for _, af := range m.audioQ {
			rel := af.tsMs - m.clusterStart
			if rel < -30000 || rel > 30000 {
				continue
			}
			m.blocks.Write(webmSimpleBlock(2, int16(rel), false, af.data))
		}
		m.audioQ = m.audioQ[:0]
	}
	m.blocks.Write(webmSimpleBlock(1, int16(ts-m.clusterStart), keyframe, data))
	return m.flush()
}

// writeAudio queues one Opus frame; the next video frame drains the
// queue into its cluster.
func (m *webmMuxer) writeAudio(tsMs int64, data []byte) {
	if m.started && !m.hasAudio {
		return
	}
	if !m.baseAudioSet {
		m.baseAudio, m.baseAudioSet = tsMs, true
	}
	m.audioQ = append(m.audioQ, audioFrame{tsMs: tsMs - m.baseAudio, data: data})
}

// flush closes the open cluster, if any.
func (m *webmMuxer) flush() error {
	if !m.clusterOpen || m.blocks.Len() == 0 {
		m.clusterOpen = false
		return nil
	}
	cluster := webmCluster(m.clusterStart, m.blocks.Bytes())
	m.clusterOpen = false
	m.blocks.Reset()
	_, err := m.w.Write(cluster)
	return err
}
