package nvidia

import "github.com/skobkin/acceltop-web/internal/accel"

const maxSamplePct = 100

// Reconcile annotates processes with the utilization samples that pass the
// consistency checks and returns the advanced cursor.
//
// A sample is applied only when its pid matches a process, none of its four
// percentages exceeds 100 and its timestamp is strictly newer than cursor.
// The returned cursor is the newest accepted timestamp and never goes below
// cursor.
func Reconcile(samples []ProcessUtilizationSample, processes []accel.Process, cursor uint64) uint64 {
	newest := cursor
	for _, s := range samples {
		if s.TimeStamp <= cursor || !samplePctValid(s) {
			continue
		}
		for j := range processes {
			p := &processes[j]
			if p.PID != int(s.PID) {
				continue
			}
			if s.TimeStamp > newest {
				newest = s.TimeStamp
			}
			p.GPUUsagePct = s.SmUtil
			p.EncodePct = s.EncUtil
			p.DecodePct = s.DecUtil
			p.Valid.Set(accel.ProcGPUUsage)
			p.Valid.Set(accel.ProcEncode)
			p.Valid.Set(accel.ProcDecode)
			break
		}
	}
	return newest
}

func samplePctValid(s ProcessUtilizationSample) bool {
	return s.SmUtil <= maxSamplePct && s.MemUtil <= maxSamplePct &&
		s.EncUtil <= maxSamplePct && s.DecUtil <= maxSamplePct
}
