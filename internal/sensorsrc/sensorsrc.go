// Package sensorsrc reads line-delimited JSON sensor frames from a
// serial-attached IMU/GPS board and dispatches them into the engine's
// ingestion queue (C16). This is how a real phone/IMU-board deployment
// feeds accelerometer/gyroscope/magnetometer/fix samples without going
// through the HTTP ingestion path.
package sensorsrc

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/stridefusion/pdrengine/internal/types"
)

// frame is the newline-delimited JSON envelope each serial line carries. The
// Type field selects which typed sample the remaining fields decode into.
type frame struct {
	Type string `json:"type"` // "accel" | "gyro" | "mag" | "fix"

	Ax       float64 `json:"ax,omitempty"`
	Ay       float64 `json:"ay,omitempty"`
	Az       float64 `json:"az,omitempty"`
	Alpha    float64 `json:"alpha,omitempty"`
	Beta     float64 `json:"beta,omitempty"`
	Gamma    float64 `json:"gamma,omitempty"`
	Mx       float64 `json:"mx,omitempty"`
	My       float64 `json:"my,omitempty"`
	Mz       float64 `json:"mz,omitempty"`
	Lat      float64 `json:"lat,omitempty"`
	Lng      float64 `json:"lng,omitempty"`
	Accuracy float64 `json:"accuracy,omitempty"`

	TimestampMs int64 `json:"timestamp"`
}

// Sink receives decoded samples. *fusion.Manager satisfies this interface.
type Sink interface {
	SubmitAccel(types.AccelSample)
	SubmitGyro(types.RotationRateSample)
	SubmitMagnetometer(types.MagnetometerSample)
	SubmitFix(types.AbsoluteFix)
}

// Bridge reads frames from a serial port and dispatches them to a Sink.
type Bridge struct {
	portName string
	mode     *serial.Mode
	sink     Sink
	log      *logrus.Logger

	port serial.Port
	stop chan struct{}
}

// DefaultMode is 115200 baud, 8-N-1 — typical for USB-serial IMU boards.
func DefaultMode() *serial.Mode {
	return &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
}

// NewBridge builds a Bridge that will read portName when Open is called.
func NewBridge(portName string, mode *serial.Mode, sink Sink, log *logrus.Logger) *Bridge {
	if mode == nil {
		mode = DefaultMode()
	}
	return &Bridge{portName: portName, mode: mode, sink: sink, log: log, stop: make(chan struct{})}
}

// Open opens the serial port and starts the read loop in a background
// goroutine. Call Close to stop it.
func (b *Bridge) Open() error {
	port, err := serial.Open(b.portName, b.mode)
	if err != nil {
		return err
	}
	b.port = port
	go b.readLoop()
	return nil
}

// Close stops the read loop and closes the port.
func (b *Bridge) Close() error {
	close(b.stop)
	if b.port != nil {
		return b.port.Close()
	}
	return nil
}

func (b *Bridge) readLoop() {
	scanner := bufio.NewScanner(b.port)
	for scanner.Scan() {
		select {
		case <-b.stop:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			b.log.WithField("component", "sensorsrc").WithError(err).Warn("dropping malformed serial frame")
			continue
		}
		b.dispatch(f)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		b.log.WithField("component", "sensorsrc").WithError(err).Warn("serial read loop ended with error")
	}
}

func (b *Bridge) dispatch(f frame) {
	switch f.Type {
	case "accel":
		b.sink.SubmitAccel(types.AccelSample{Ax: f.Ax, Ay: f.Ay, Az: f.Az, TimestampMs: f.TimestampMs})
	case "gyro":
		b.sink.SubmitGyro(types.RotationRateSample{Alpha: f.Alpha, Beta: f.Beta, Gamma: f.Gamma, TimestampMs: f.TimestampMs})
	case "mag":
		b.sink.SubmitMagnetometer(types.MagnetometerSample{Mx: f.Mx, My: f.My, Mz: f.Mz, TimestampMs: f.TimestampMs})
	case "fix":
		b.sink.SubmitFix(types.AbsoluteFix{Lat: f.Lat, Lng: f.Lng, Accuracy: f.Accuracy, TimestampMs: f.TimestampMs})
	default:
		b.log.WithField("component", "sensorsrc").WithField("type", f.Type).Warn("unknown serial frame type")
	}
}
