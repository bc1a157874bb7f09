package kvstore

import (
	"fmt"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// checkFreeSpace rejects paths whose filesystem has less than minimumFreeGB
// gigabytes available and logs the usage numbers either way.
func checkFreeSpace(path string, minimumFreeGB uint, log *logrus.Logger) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage stats for %s: %w", path, err)
	}

	freeGB := usage.Free / (1024 * 1024 * 1024)
	log.WithFields(logrus.Fields{
		"path":      path,
		"totalGB":   usage.Total / (1024 * 1024 * 1024),
		"freeGB":    freeGB,
		"usedPct":   fmt.Sprintf("%.1f", usage.UsedPercent),
		"minimumGB": minimumFreeGB,
	}).Info("disk usage")

	if minimumFreeGB > 0 && freeGB < uint64(minimumFreeGB) {
		return fmt.Errorf("not enough space available on disk: %dGB free, %dGB required", freeGB, minimumFreeGB)
	}
	return nil
}
