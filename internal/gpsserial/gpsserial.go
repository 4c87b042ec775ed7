// Package gpsserial reads NMEA sentences off a UART-attached GPS module
// and publishes decoded fixes into the ingress queue, adapted from the
// teacher's serial line-reader goroutine pair (internal/j1939/j1939.go's
// readFrames/processFrames split over an inter-frame gap).
package gpsserial

import (
	"bufio"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/rakyury/racedash/internal/ingress"
)

// Reader owns the serial port and the two goroutines that read raw
// bytes and parse complete NMEA sentences out of them.
type Reader struct {
	port      *serial.Port
	lines     chan string
	stopChan  chan struct{}
	isRunning bool
	out       *ingress.Queue
	log       *log.Logger
}

// Open configures and opens the serial port at the given path/baud.
func Open(portName string, baud int, out *ingress.Queue, logger *log.Logger) (*Reader, error) {
	cfg := &serial.Config{Name: portName, Baud: baud, ReadTimeout: 100 * time.Millisecond}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("gpsserial: open %s: %w", portName, err)
	}
	return &Reader{
		port:     port,
		lines:    make(chan string, 64),
		stopChan: make(chan struct{}),
		out:      out,
		log:      logger,
	}, nil
}

// Start launches the read and parse goroutines.
func (r *Reader) Start() error {
	if r.isRunning {
		return fmt.Errorf("gpsserial: already running")
	}
	r.isRunning = true
	go r.readLines()
	go r.parseLines()
	return nil
}

// Stop halts both goroutines and closes the port.
func (r *Reader) Stop() error {
	if !r.isRunning {
		return nil
	}
	close(r.stopChan)
	r.isRunning = false
	return r.port.Close()
}

// readLines scans newline-delimited NMEA sentences off the port,
// mirroring the teacher's buffered-read-with-timeout loop.
func (r *Reader) readLines() {
	scanner := bufio.NewScanner(r.port)
	for scanner.Scan() {
		select {
		case <-r.stopChan:
			return
		case r.lines <- scanner.Text():
		}
	}
	if err := scanner.Err(); err != nil && r.log != nil {
		r.log.Printf("[gpsserial] read error: %v", err)
	}
}

// parseLines decodes GGA/RMC sentences and publishes fixes into the
// ingress queue as they complete (a fix needs both sentences' fields,
// so a partial fix is cached until both arrive within one second).
func (r *Reader) parseLines() {
	var pending ingress.GpsFix
	var havePosition, haveSpeed bool
	var lastUpdate time.Time

	for {
		select {
		case <-r.stopChan:
			return
		case line := <-r.lines:
			now := time.Now()
			if now.Sub(lastUpdate) > time.Second {
				havePosition, haveSpeed = false, false
			}

			switch {
			case strings.HasPrefix(line, "$GPGGA"), strings.HasPrefix(line, "$GNGGA"):
				if fix, ok := parseGGA(line); ok {
					pending.Lat, pending.Lon, pending.Alt = fix.Lat, fix.Lon, fix.Alt
					pending.Sats, pending.HDOP, pending.FixType = fix.Sats, fix.HDOP, fix.FixType
					pending.UtcMS = fix.UtcMS
					havePosition = true
					lastUpdate = now
				}
			case strings.HasPrefix(line, "$GPRMC"), strings.HasPrefix(line, "$GNRMC"):
				if speed, heading, ok := parseRMC(line); ok {
					pending.SpeedMS, pending.HeadingDg = speed, heading
					haveSpeed = true
					lastUpdate = now
				}
			}

			if havePosition && haveSpeed {
				pending.NowMS = uint64(now.UnixMilli())
				r.out.PublishGpsFix(pending)
			}
		}
	}
}

// parseGGA decodes the subset of a $--GGA sentence the lap timer and
// signal bus need: position, altitude, fix quality, satellite count, HDOP.
func parseGGA(line string) (ingress.GpsFix, bool) {
	f := strings.Split(line, ",")
	if len(f) < 10 {
		return ingress.GpsFix{}, false
	}
	lat, ok1 := nmeaCoord(f[2], f[3])
	lon, ok2 := nmeaCoord(f[4], f[5])
	if !ok1 || !ok2 {
		return ingress.GpsFix{}, false
	}
	fixType, _ := strconv.Atoi(f[6])
	sats, _ := strconv.Atoi(f[7])
	hdop, _ := strconv.ParseFloat(f[8], 64)
	alt, _ := strconv.ParseFloat(f[9], 64)
	utcMS := nmeaTimeMS(f[1])

	return ingress.GpsFix{
		Lat:     lat,
		Lon:     lon,
		Alt:     alt,
		Sats:    sats,
		FixType: fixType,
		HDOP:    hdop,
		UtcMS:   utcMS,
	}, true
}

// parseRMC decodes ground speed (converted from knots to m/s) and
// heading from a $--RMC sentence.
func parseRMC(line string) (speedMS, headingDeg float64, ok bool) {
	f := strings.Split(line, ",")
	if len(f) < 9 {
		return 0, 0, false
	}
	knots, err := strconv.ParseFloat(f[7], 64)
	if err != nil {
		return 0, 0, false
	}
	heading, _ := strconv.ParseFloat(f[8], 64)
	const knotsToMS = 0.514444
	return knots * knotsToMS, heading, true
}

// nmeaCoord parses an NMEA ddmm.mmmm coordinate with hemisphere letter
// into signed decimal degrees.
func nmeaCoord(raw, hemi string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	dotIdx := strings.IndexByte(raw, '.')
	if dotIdx < 2 {
		return 0, false
	}
	degDigits := dotIdx - 2
	deg, err := strconv.ParseFloat(raw[:degDigits], 64)
	if err != nil {
		return 0, false
	}
	min, err := strconv.ParseFloat(raw[degDigits:], 64)
	if err != nil {
		return 0, false
	}
	val := deg + min/60.0
	if hemi == "S" || hemi == "W" {
		val = -val
	}
	return val, true
}

// nmeaTimeMS parses an NMEA hhmmss.sss UTC time-of-day field into
// milliseconds since midnight.
func nmeaTimeMS(raw string) uint64 {
	if len(raw) < 6 {
		return 0
	}
	h, _ := strconv.Atoi(raw[0:2])
	m, _ := strconv.Atoi(raw[2:4])
	s, _ := strconv.ParseFloat(raw[4:], 64)
	return uint64(h)*3600000 + uint64(m)*60000 + uint64(s*1000)
}
