package agent

import "github.com/haasonsaas/deskpilot/pkg/models"

// maxCacheBreakpoints is the number of user turns marked for prompt caching.
// The backend allows four; one stays reserved for the system prompt.
const maxCacheBreakpoints = 3

// FilterRecentImages drops all but the keep most recent screenshots nested
// in tool results. The number removed is rounded down to a multiple of
// minRemoval so the cached prefix only breaks every few turns. Removal is
// oldest first and in place; non-image content is untouched. A nil keep is
// a no-op and minRemoval below 1 is treated as 1. It returns the number of
// images removed.
func FilterRecentImages(conv models.Conversation, keep *int, minRemoval int) int {
	if keep == nil {
		return 0
	}
	if minRemoval < 1 {
		minRemoval = 1
	}

	remove := conv.ImageCount() - *keep
	if remove <= 0 {
		return 0
	}
	remove -= remove % minRemoval
	removed := 0

	for _, turn := range conv {
		for _, block := range turn.Content {
			if remove == 0 {
				return removed
			}
			result, ok := block.(*models.ToolResultBlock)
			if !ok {
				continue
			}
			kept := result.Content[:0]
			for _, inner := range result.Content {
				if _, isImage := inner.(*models.ImageBlock); isImage && remove > 0 {
					remove--
					removed++
					continue
				}
				kept = append(kept, inner)
			}
			result.Content = kept
		}
	}
	return removed
}

// InjectCacheBreakpoints marks the last block of the three most recent user
// turns as cache boundaries and clears the marker on the fourth, which
// carries the previous iteration's oldest breakpoint.
func InjectCacheBreakpoints(conv models.Conversation) {
	remaining := maxCacheBreakpoints
	for i := len(conv) - 1; i >= 0; i-- {
		turn := conv[i]
		if turn.Role != models.RoleUser || len(turn.Content) == 0 {
			continue
		}
		last, ok := turn.Content[len(turn.Content)-1].(models.Cacheable)
		if remaining > 0 {
			remaining--
			if ok {
				last.SetCacheBreakpoint(true)
			}
			continue
		}
		if ok {
			last.SetCacheBreakpoint(false)
		}
		return
	}
}

// CacheBreakpointCount returns how many user turns currently carry a marker.
func CacheBreakpointCount(conv models.Conversation) int {
	n := 0
	for _, turn := range conv {
		if turn.Role != models.RoleUser {
			continue
		}
		for _, block := range turn.Content {
			if c, ok := block.(models.Cacheable); ok && c.HasCacheBreakpoint() {
				n++
				break
			}
		}
	}
	return n
}
