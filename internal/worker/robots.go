package worker

import (
	"context"
	"fmt"
	"net/url"

	"github.com/temoto/robotstxt"

	"github.com/temoto/heroshi/internal/types"
)

// RobotsPolicy answers whether agent may fetch uri under one origin.
type RobotsPolicy func(agent, uri string) bool

func allowAll(string, string) bool { return true }
func denyAll(string, string) bool  { return false }

// robotsFactory is the RobotsCache pool factory: it fetches
// {origin}/robots.txt through the fetch engine and translates the
// outcome into a policy. The key is the origin, "scheme://authority".
func (c *Crawler) robotsFactory(ctx context.Context, origin string) (RobotsPolicy, error) {
	robotsURL := origin + "/robots.txt"

	result, err := c.fetch(ctx, robotsURL)
	if err != nil {
		return nil, types.NewRobotsError("/robots.txt fetch problem: %v", err)
	}
	if !result.OK() && result.StatusCode == 0 {
		// The engine could not complete the fetch at all.
		return nil, types.NewRobotsError("/robots.txt fetch problem: %s", result.Result)
	}

	switch {
	case result.StatusCode >= 200 && result.StatusCode < 300:
		data, err := robotstxt.FromBytes([]byte(result.Content))
		if err != nil {
			return nil, types.NewRobotsError("/robots.txt parse problem: %v", err)
		}
		return func(agent, uri string) bool {
			path := "/"
			if u, err := url.Parse(uri); err == nil && u.Path != "" {
				path = u.Path
			}
			return data.FindGroup(agent).Test(path)
		}, nil
	// Authorization required and Forbidden are considered Disallow all.
	case result.StatusCode == 401 || result.StatusCode == 403:
		return denyAll, nil
	// /robots.txt Not Found is considered Allow all.
	case result.StatusCode == 404:
		return allowAll, nil
	// Optimistic rule for the remaining client and server errors.
	case result.StatusCode >= 400:
		return allowAll, nil
	// What other cases are left? 1xx and redirects. Disallow all.
	default:
		return denyAll, nil
	}
}

// askRobots consults the origin's cached policy, constructing it on
// first use. Concurrent lookups for one origin share a single policy.
func (c *Crawler) askRobots(ctx context.Context, uri, scheme, authority string) (bool, error) {
	origin := scheme + "://" + authority
	var allowed bool
	var panicErr error
	err := c.robotsCache.With(ctx, origin, func(policy RobotsPolicy) error {
		defer func() {
			if r := recover(); r != nil {
				panicErr = types.NewRobotsError(
					"error checking robots.txt permissions for %q: %v", uri, r)
			}
		}()
		allowed = policy(c.cfg.Identity.Name, uri)
		return nil
	})
	if err == nil {
		err = panicErr
	}
	if err != nil {
		if _, ok := err.(*types.RobotsError); !ok {
			err = types.NewRobotsError("error checking robots.txt permissions for %q: %v", uri, err)
		}
		return false, err
	}
	return allowed, nil
}

// originKey is the per-host connection pool key, "scheme:authority".
func originKey(scheme, authority string) string {
	return fmt.Sprintf("%s:%s", scheme, authority)
}
