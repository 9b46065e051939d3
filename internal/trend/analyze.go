package trend

import (
	"math"
	"sort"
	"time"

	"avm/server/internal/model"
)

const (
	topPerformingLimit = 5
	commonTagsLimit    = 20
	highEngagementRate = 0.05
	shortVideoSeconds  = 30
	mediumVideoSeconds = 120
)

// EngagementScore weighs a video's engagement rate by recency and reach.
// Recency decays linearly over 30 whole days with a floor of 0.1.
func EngagementScore(v model.VideoRecord, now time.Time) float64 {
	if v.Views <= 0 {
		return 0
	}
	rate := float64(v.Likes+v.Comments) / float64(v.Views)
	recency := 1.0
	if !v.UploadDate.IsZero() {
		days := math.Floor(now.Sub(v.UploadDate).Hours() / 24)
		recency = math.Max(0.1, 1-days/30)
	}
	return rate * recency * float64(v.Views)
}

// Rank orders videos by EngagementScore, best first, and keeps at most max.
func Rank(videos []model.VideoRecord, max int, now time.Time) []model.VideoRecord {
	ranked := append([]model.VideoRecord(nil), videos...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return EngagementScore(ranked[i], now) > EngagementScore(ranked[j], now)
	})
	if max >= 0 && len(ranked) > max {
		ranked = ranked[:max]
	}
	return ranked
}

func Analyze(videos []model.VideoRecord) model.TrendAnalysis {
	out := model.TrendAnalysis{
		PlatformDistribution: map[string]int{},
		TopPerforming:        []model.TopVideo{},
		CommonTags:           map[string]int{},
		Engagement:           model.EngagementSummary{ByPlatform: map[string]float64{}},
	}
	if len(videos) == 0 {
		return out
	}

	n := float64(len(videos))
	out.TotalVideos = len(videos)

	var views, likes, comments, duration, rates float64
	tagCounts := map[string]int{}
	platformRates := map[string][]float64{}
	for _, v := range videos {
		out.PlatformDistribution[v.Platform]++
		views += float64(v.Views)
		likes += float64(v.Likes)
		comments += float64(v.Comments)
		duration += float64(v.DurationSeconds)

		switch {
		case v.DurationSeconds <= shortVideoSeconds:
			out.Duration.Short++
		case v.DurationSeconds <= mediumVideoSeconds:
			out.Duration.Medium++
		default:
			out.Duration.Long++
		}

		for _, tag := range v.Tags {
			tagCounts[tag]++
		}

		if v.Views > 0 {
			rate := float64(v.Likes+v.Comments) / float64(v.Views)
			rates += rate
			if rate > highEngagementRate {
				out.Engagement.HighEngagement++
			}
			platformRates[v.Platform] = append(platformRates[v.Platform], rate)
		}
	}

	out.AvgViews = views / n
	out.AvgLikes = likes / n
	out.AvgComments = comments / n
	out.AvgDuration = duration / n
	out.Engagement.AvgRate = rates / n
	for platform, rs := range platformRates {
		var sum float64
		for _, r := range rs {
			sum += r
		}
		out.Engagement.ByPlatform[platform] = sum / float64(len(rs))
	}

	byViews := append([]model.VideoRecord(nil), videos...)
	sort.SliceStable(byViews, func(i, j int) bool { return byViews[i].Views > byViews[j].Views })
	for i := 0; i < len(byViews) && i < topPerformingLimit; i++ {
		out.TopPerforming = append(out.TopPerforming, model.TopVideo{
			Title: byViews[i].Title,
			Views: byViews[i].Views,
			Likes: byViews[i].Likes,
		})
	}

	out.CommonTags = topTags(tagCounts, commonTagsLimit)
	return out
}

func topTags(counts map[string]int, limit int) map[string]int {
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > limit {
		tags = tags[:limit]
	}
	out := make(map[string]int, len(tags))
	for _, tag := range tags {
		out[tag] = counts[tag]
	}
	return out
}
