package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/oprsystem/rohc"
	"github.com/oprsystem/rohc/internal/log"
)

var compressCmd = &cobra.Command{
	Use:   "compress <trace-file>",
	Short: "Compress a hex-dump packet trace",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configFile)
		if err != nil {
			exitWithError("invalid configuration", err)
		}
		if err := log.Setup(cfg.Log.Level, cfg.Log.File); err != nil {
			exitWithError("invalid log configuration", err)
		}
		if err := runCompress(cfg, args[0]); err != nil {
			exitWithError("compression failed", err)
		}
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the supported compression profiles",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("0x0000  Uncompressed")
		fmt.Println("0x0001  RTP")
		fmt.Println("0x0002  UDP")
		fmt.Println("0x0003  ESP")
		fmt.Println("0x0004  IP-only")
		fmt.Println("0x0008  UDP-Lite")
	},
}

// profileIDs maps configuration names onto profile identifiers.
var profileIDs = map[string]uint16{
	"uncompressed": rohc.ProfileUncompressed,
	"rtp":          rohc.ProfileRTP,
	"udp":          rohc.ProfileUDP,
	"esp":          rohc.ProfileESP,
	"ip":           rohc.ProfileIP,
	"udplite":      rohc.ProfileUDPLite,
}

func newCompressor(cfg *Config) (*rohc.Compressor, error) {
	cidType := rohc.SmallCID
	if strings.EqualFold(cfg.CIDType, "large") {
		cidType = rohc.LargeCID
	}

	comp, err := rohc.New(cidType, cfg.MaxCID)
	if err != nil {
		return nil, err
	}

	logger := log.Logger()
	err = comp.SetTraceCallback(func(level rohc.TraceLevel, profile uint16, format string, args ...any) {
		entry := logger.WithField("profile", fmt.Sprintf("0x%04x", profile))
		switch level {
		case rohc.TraceDebug:
			entry.Debugf(format, args...)
		case rohc.TraceInfo:
			entry.Infof(format, args...)
		case rohc.TraceWarning:
			entry.Warnf(format, args...)
		default:
			entry.Errorf(format, args...)
		}
	})
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if err := comp.SetRandomCallback(func(any) uint32 { return rng.Uint32() }, nil); err != nil {
		return nil, err
	}

	for _, name := range cfg.Profiles {
		id, ok := profileIDs[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown profile %q", name)
		}
		if err := comp.EnableProfile(id); err != nil {
			return nil, err
		}
	}

	if err := comp.SetWLSBWindowWidth(cfg.WLSBWidth); err != nil {
		return nil, err
	}
	if err := comp.SetPeriodicRefreshes(cfg.IRTimeout, cfg.FOTimeout); err != nil {
		return nil, err
	}
	if err := comp.SetMRRU(cfg.MRRU); err != nil {
		return nil, err
	}
	for _, port := range cfg.RTPPorts {
		if err := comp.AddRTPPort(port); err != nil {
			return nil, err
		}
	}
	return comp, nil
}

func runCompress(cfg *Config, tracePath string) error {
	logger := log.Logger()

	if cfg.MetricsListen != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, nil); err != nil {
				logger.WithError(err).Warn("metrics listener stopped")
			}
		}()
	}

	comp, err := newCompressor(cfg)
	if err != nil {
		return err
	}
	defer comp.Close()

	f, err := os.Open(tracePath)
	if err != nil {
		return err
	}
	defer f.Close()

	out := make([]byte, 65536)
	segment := make([]byte, 65536)
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		packet, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
		if err != nil {
			return fmt.Errorf("line %d: invalid hex: %w", lineNo, err)
		}

		n, err := comp.Compress(time.Now(), packet, out)
		switch err {
		case nil:
			info, infoErr := comp.GetLastPacketInfo()
			if infoErr == nil {
				logger.WithField("cid", info.ContextID).
					WithField("type", info.PacketType.String()).
					Infof("packet %d: %d -> %d bytes", lineNo, len(packet), n)
			}
		case rohc.ErrSegmentRequired:
			segments := 0
			for {
				sn, final, segErr := comp.GetSegment(segment)
				if segErr != nil {
					return fmt.Errorf("line %d: segmentation: %w", lineNo, segErr)
				}
				segments++
				logger.Infof("packet %d: segment %d, %d bytes", lineNo, segments, sn)
				if final {
					break
				}
			}
		default:
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	info := comp.GetGeneralInfo()
	ratio := 0.0
	if info.UncompBytes > 0 {
		ratio = 100 * float64(info.CompBytes) / float64(info.UncompBytes)
	}
	fmt.Printf("packets: %d, contexts: %d, %d -> %d bytes (%.1f%%)\n",
		info.Packets, info.ContextsUsed, info.UncompBytes, info.CompBytes, ratio)
	return nil
}
