// Package audithook is a photoq extension that keeps an audit trail of
// security-classified job failures.
//
// A processor that returns a fault.Security error signals that a job
// was denied authorization, and such failures must stay inspectable
// after the job itself is dead-lettered or pruned. The extension
// records each denial through a [Recorder] (by default the bounded
// in-memory [Trail]) and logs it at Error with the job id and the
// denied subject.
//
// # Bridging to an external audit backend
//
//	audithook.New(audithook.WithRecorder(audithook.RecorderFunc(
//	    func(ctx context.Context, evt *audithook.Event) error {
//	        return auditClient.Write(ctx, evt.Action, evt.JobID.String(), evt.Subject)
//	    },
//	)))
package audithook
