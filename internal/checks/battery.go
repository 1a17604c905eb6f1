package checks

import (
	"time"

	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
)

var (
	CPU = Kind{
		Title:   "CPU Usage",
		Key:     "cpu",
		Setting: "check_cpu",
		Feedback: Feedback{
			NoData:    "No CPU usage recorded",
			NoSetting: "No CPU warning set",
			Fail:      "CPU usage is high",
			Pass:      "CPU usage falls in an acceptable range",
		},
		value:     rowValue(func(in Inputs) *metrics.Row { return in.CPU }, metrics.FieldCPU),
		threshold: floatSetting(func(s *models.MeshSettings) *float64 { return s.CheckCPU }),
		healthy:   below,
	}
	Memory = Kind{
		Title:   "Memory Usage",
		Key:     "mem",
		Setting: "check_mem",
		Feedback: Feedback{
			NoData:    "No memory usage recorded",
			NoSetting: "No memory warning set",
			Fail:      "Memory usage is high",
			Pass:      "Memory usage falls in an acceptable range",
		},
		value:     rowValue(func(in Inputs) *metrics.Row { return in.Memory }, metrics.FieldMemory),
		threshold: floatSetting(func(s *models.MeshSettings) *float64 { return s.CheckMem }),
		healthy:   below,
	}
	RecentlyPinged = Kind{
		Title:   "Recently Contacted",
		Key:     "last_ping",
		Setting: "check_ping",
		Feedback: Feedback{
			NoData:    "Device has never been pinged",
			NoSetting: "No contact time warning set",
			Fail:      "Device has not been pinged recently",
			Pass:      "Device has been pinged recently",
		},
		value:     since(func(d models.Device) *time.Time { return d.LastPing }),
		threshold: secondsSetting(func(s *models.MeshSettings) *int64 { return s.CheckPing }),
		healthy:   below,
	}
	Active = Kind{
		Title:   "Active",
		Key:     "last_contact",
		Setting: "check_active",
		Feedback: Feedback{
			NoData:    "Device has not contacted the server",
			NoSetting: "No active time warning set",
			Fail:      "Device has not contacted the server recently",
			Pass:      "Device is active",
		},
		value:     since(func(d models.Device) *time.Time { return d.LastContact }),
		threshold: secondsSetting(func(s *models.MeshSettings) *int64 { return s.CheckActive }),
		healthy:   below,
	}
	RTT = Kind{
		Title:   "RTT",
		Key:     "rtt",
		Setting: "check_rtt",
		Feedback: Feedback{
			NoData:    "No RTT data",
			NoSetting: "No RTT warning set",
			Fail:      "Took too long to return a response",
			Pass:      "Response time is acceptable",
		},
		value:     rowValue(func(in Inputs) *metrics.Row { return in.RTT }, metrics.FieldRTTAvg),
		threshold: floatSetting(func(s *models.MeshSettings) *float64 { return s.CheckRTT }),
		healthy:   below,
	}
	UploadSpeed = Kind{
		Title:   "Upload Speed",
		Key:     "upload_speed",
		Setting: "check_upload_speed",
		Feedback: Feedback{
			NoData:    "No upload speed data",
			NoSetting: "No upload warning set",
			Fail:      "Node is uploading data too slowly",
			Pass:      "Upload speed is acceptable",
		},
		// Rates are reported from the access point's side, so the
		// device receiving is the client uploading.
		value:     rowValue(func(in Inputs) *metrics.Row { return in.Rate }, metrics.FieldRxRate),
		threshold: floatSetting(func(s *models.MeshSettings) *float64 { return s.CheckUploadSpeed }),
		healthy:   above,
	}
	DownloadSpeed = Kind{
		Title:   "Download Speed",
		Key:     "download_speed",
		Setting: "check_download_speed",
		Feedback: Feedback{
			NoData:    "No download speed data",
			NoSetting: "No download warning set",
			Fail:      "Node is downloading data too slowly",
			Pass:      "Download speed is acceptable",
		},
		value:     rowValue(func(in Inputs) *metrics.Row { return in.Rate }, metrics.FieldTxRate),
		threshold: floatSetting(func(s *models.MeshSettings) *float64 { return s.CheckDownloadSpeed }),
		healthy:   above,
	}

	// Battery is every check in the order results are displayed.
	Battery = []Kind{CPU, Memory, RecentlyPinged, Active, RTT, UploadSpeed, DownloadSpeed}
)

func below(value, threshold float64) bool { return value < threshold }
func above(value, threshold float64) bool { return value > threshold }

func rowValue(row func(Inputs) *metrics.Row, field string) func(Inputs) (float64, bool) {
	return func(in Inputs) (float64, bool) {
		r := row(in)
		if r == nil {
			return 0, false
		}
		return r.Value(field)
	}
}

// since yields the seconds elapsed between the timestamp and in.Now.
func since(ts func(models.Device) *time.Time) func(Inputs) (float64, bool) {
	return func(in Inputs) (float64, bool) {
		t := ts(in.Device)
		if t == nil {
			return 0, false
		}
		return in.Now.Sub(*t).Seconds(), true
	}
}

func floatSetting(get func(*models.MeshSettings) *float64) func(*models.MeshSettings) (float64, bool) {
	return func(s *models.MeshSettings) (float64, bool) {
		if s == nil {
			return 0, false
		}
		v := get(s)
		if v == nil {
			return 0, false
		}
		return *v, true
	}
}

func secondsSetting(get func(*models.MeshSettings) *int64) func(*models.MeshSettings) (float64, bool) {
	return func(s *models.MeshSettings) (float64, bool) {
		if s == nil {
			return 0, false
		}
		v := get(s)
		if v == nil {
			return 0, false
		}
		return float64(*v), true
	}
}
