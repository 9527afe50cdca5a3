// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/xoffline/internal/license"
	"github.com/ManuGH/xoffline/internal/store"
)

// licenseView is the printed form of a stored license. Key material is
// never printed.
type licenseView struct {
	ContentID        string    `json:"content_id"`
	AcquiredAt       time.Time `json:"acquired_at"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
	RemainingSeconds *int64    `json:"remaining_seconds,omitempty"`
	KeySetBytes      int       `json:"key_set_bytes"`
	Persisted        bool      `json:"persisted"`
}

func viewOf(rec *store.Record, persisted bool) licenseView {
	v := licenseView{
		ContentID:   rec.ContentID,
		AcquiredAt:  rec.AcquiredAt,
		KeySetBytes: len(rec.KeySet),
		Persisted:   persisted,
	}
	if exp, ok := rec.ExpiresAt(); ok {
		v.ExpiresAt = exp
	}
	if rem, ok := rec.RemainingSeconds(time.Now()); ok {
		v.RemainingSeconds = &rem
	}
	return v
}

// withRuntime opens the license stack for the duration of fn.
func (c *cli) withRuntime(ctx context.Context, fn func(*runtime) error) (err error) {
	rt, err := c.openRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}

func newAcquireCmd(c *cli) *cobra.Command {
	var (
		req       license.Request
		noPersist bool
	)
	cmd := &cobra.Command{
		Use:   "acquire CONTENT_ID",
		Short: "Acquire an offline license and persist its key set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ContentID = args[0]
			req.Persist = !noPersist
			if !cmd.Flags().Changed("min-remaining") {
				req.MinRemainingSeconds = c.cfg.License.MinRemainingSeconds
			}
			return c.withRuntime(cmd.Context(), func(rt *runtime) error {
				rec, err := rt.manager.Acquire(cmd.Context(), req)
				if err != nil {
					return err
				}
				return c.printJSON(viewOf(rec, req.Persist))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ManifestURI, "manifest", "", "manifest URL (defaults to CONTENT_ID)")
	f.StringVar(&req.LicenseServerURI, "server", "", "license server URL (defaults to config)")
	f.StringVar(&req.MessageToken, "token", "", "DRM message token sent to the license server")
	f.StringToStringVar(&req.RequestHeaders, "header", nil, "extra license request header NAME=VALUE (repeatable)")
	f.Int64Var(&req.MinRemainingSeconds, "min-remaining", 0, "fail unless the license stays valid this many seconds")
	f.BoolVar(&noPersist, "no-persist", false, "validate the license without storing it")
	return cmd
}

func newRestoreCmd(c *cli) *cobra.Command {
	var minRemaining int64
	cmd := &cobra.Command{
		Use:   "restore CONTENT_ID",
		Short: "Load a stored license into a DRM session and check its validity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("min-remaining") {
				minRemaining = c.cfg.License.MinRemainingSeconds
			}
			return c.withRuntime(cmd.Context(), func(rt *runtime) error {
				rec, err := rt.manager.Restore(cmd.Context(), args[0], minRemaining)
				if err != nil {
					return err
				}
				return c.printJSON(viewOf(rec, true))
			})
		},
	}
	cmd.Flags().Int64Var(&minRemaining, "min-remaining", 0, "fail unless the license stays valid this many seconds")
	return cmd
}

type releaseView struct {
	ContentID      string `json:"content_id"`
	ServerReleased bool   `json:"server_released"`
	ServerError    string `json:"server_error,omitempty"`
}

func bindReleaseFlags(cmd *cobra.Command, opts *license.ReleaseOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.LicenseServerURI, "server", "", "license server URL for the release request (defaults to config)")
	f.StringToStringVar(&opts.RequestHeaders, "header", nil, "extra release request header NAME=VALUE (repeatable)")
	f.BoolVar(&opts.StopOnServerFailure, "stop-on-failure", false, "keep local licenses when the server release fails")
}

func (c *cli) releaseDefaults(cmd *cobra.Command, opts *license.ReleaseOptions) {
	if !cmd.Flags().Changed("stop-on-failure") {
		opts.StopOnServerFailure = c.cfg.License.StopOnServerFailure
	}
}

func newReleaseCmd(c *cli) *cobra.Command {
	var opts license.ReleaseOptions
	cmd := &cobra.Command{
		Use:   "release CONTENT_ID",
		Short: "Release a license on the server and delete it locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.releaseDefaults(cmd, &opts)
			return c.withRuntime(cmd.Context(), func(rt *runtime) error {
				res, err := rt.manager.Release(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				v := releaseView{ContentID: res.ContentID, ServerReleased: res.ServerReleased}
				if res.ServerErr != nil {
					v.ServerError = res.ServerErr.Error()
				}
				return c.printJSON(v)
			})
		},
	}
	bindReleaseFlags(cmd, &opts)
	return cmd
}

func newReleaseAllCmd(c *cli) *cobra.Command {
	var opts license.ReleaseOptions
	cmd := &cobra.Command{
		Use:   "release-all",
		Short: "Release every stored license",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.releaseDefaults(cmd, &opts)
			return c.withRuntime(cmd.Context(), func(rt *runtime) error {
				out := <-rt.manager.Submit(cmd.Context(), license.Op{Kind: license.OpKindReleaseAll, Release: opts})
				if out.Err != nil {
					return out.Err
				}
				remaining, err := rt.store.ListIDs(cmd.Context())
				if err != nil {
					return err
				}
				return c.printJSON(map[string]any{"outcome": out.Kind.String(), "remaining": len(remaining)})
			})
		},
	}
	bindReleaseFlags(cmd, &opts)
	return cmd
}

func newLicensesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "licenses [CONTENT_ID]",
		Short: "Show offline validity of stored licenses without opening a DRM session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(rt *runtime) error {
				if len(args) == 1 {
					st, err := rt.manager.Status(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return c.printJSON(st)
				}
				list, err := rt.manager.List(cmd.Context())
				if err != nil {
					return err
				}
				if list == nil {
					list = []license.Status{}
				}
				return c.printJSON(list)
			})
		},
	}
}
