package goindy

import "github.com/VictoriaMetrics/metrics"

var (
	flushesTotal       = metrics.GetOrCreateCounter("goindy_flushes_total")
	flushErrorsTotal   = metrics.GetOrCreateCounter("goindy_flush_errors_total")
	mergesTotal        = metrics.GetOrCreateCounter("goindy_merges_total")
	mergeErrorsTotal   = metrics.GetOrCreateCounter("goindy_merge_errors_total")
	commitsTotal       = metrics.GetOrCreateCounter("goindy_commits_total")
	pagesWrittenTotal  = metrics.GetOrCreateCounter("goindy_pages_written_total")
	pagesReadTotal     = metrics.GetOrCreateCounter("goindy_pages_read_total")
	checksumErrorTotal = metrics.GetOrCreateCounter("goindy_checksum_errors_total")
	bloomNegatives     = metrics.GetOrCreateCounter("goindy_bloom_negatives_total")

	flushDuration = metrics.GetOrCreateHistogram("goindy_flush_duration_seconds")
	mergeDuration = metrics.GetOrCreateHistogram("goindy_merge_duration_seconds")
)
