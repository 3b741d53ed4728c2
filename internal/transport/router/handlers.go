package router

import (
	"context"
	"errors"
	"fmt"

	"timetask/internal/command"
	"timetask/internal/task/lifecycle"
	"timetask/pkg/logx"
)

func (r *Router) handleCreate(ctx context.Context, req *Request) error {
	if req.Args == "" {
		r.reply(ctx, req.Origin, HelpText())
		return nil
	}
	in, err := command.Parse(req.Args, r.now())
	if err != nil {
		req.Logger.Debug("create rejected", logx.Err(err))
		r.reply(ctx, req.Origin, ErrorText(err, "", ""))
		return nil
	}
	v, err := r.tasks.Create(ctx, lifecycle.CreateRequest{Intent: in, Origin: req.Origin})
	if err != nil {
		req.Logger.Info("create failed", logx.Err(err))
		r.reply(ctx, req.Origin, ErrorText(err, in.DestinationLabel, in.Trigger.Value()))
		return nil
	}
	req.Logger.Info("task created", logx.String("id", v.Record.ID), logx.String("trigger", fmt.Sprint(v.Record.Trigger)))
	r.reply(ctx, req.Origin, FormatCreated(v))
	return nil
}

func (r *Router) handleList(ctx context.Context, req *Request) error {
	views, err := r.tasks.List(ctx)
	if err != nil {
		return err
	}
	r.reply(ctx, req.Origin, FormatList(views))
	return nil
}

func (r *Router) handleRemove(ctx context.Context, req *Request) error {
	ids := command.ParseRemoveIDs(req.Args)
	if len(ids) == 0 {
		r.reply(ctx, req.Origin, TextRemoveUsage)
		return nil
	}
	res, err := r.tasks.Remove(ctx, ids)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		r.reply(ctx, req.Origin, ErrorText(err, "", ""))
		return nil
	}
	req.Logger.Info("tasks removed", logx.Strings("removed", res.RemovedIDs()), logx.Strings("not_found", res.NotFound))
	r.reply(ctx, req.Origin, FormatRemove(res))
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Origin, HelpText())
	return nil
}
