package radius_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/codelaboratoryltd/acctd/pkg/radius"
)

var _ = Describe("Guard", func() {
	var (
		guard *radius.Guard
		logs  *observer.ObservedLogs
	)

	BeforeEach(func() {
		core, observed := observer.New(zapcore.DebugLevel)
		logs = observed
		guard = radius.NewGuard(radius.GuardConfig{
			Threshold:  3,
			Window:     time.Hour,
			MaxSources: 2,
		}, zap.New(core))
	})

	It("warns up to the threshold then raises one spoofing alert per window", func() {
		errBad := errors.New("bad authenticator")
		for i := 0; i < 3; i++ {
			Expect(guard.Reject("192.0.2.9", errBad)).To(BeFalse())
		}
		Expect(guard.Reject("192.0.2.9", errBad)).To(BeTrue())
		Expect(guard.Reject("192.0.2.9", errBad)).To(BeTrue())

		Expect(logs.FilterLevelExact(zapcore.WarnLevel).Len()).To(Equal(3))
		Expect(logs.FilterLevelExact(zapcore.ErrorLevel).Len()).To(Equal(1))
	})

	It("tracks sources independently", func() {
		for i := 0; i < 3; i++ {
			guard.Reject("192.0.2.9", nil)
		}
		Expect(guard.Reject("192.0.2.10", nil)).To(BeFalse())
		Expect(guard.Sources()).To(Equal(2))
	})

	It("bounds the number of tracked sources", func() {
		guard.Reject("192.0.2.1", nil)
		guard.Reject("192.0.2.2", nil)
		guard.Reject("192.0.2.3", nil)
		Expect(guard.Sources()).To(BeNumerically("<=", 2))
	})
})
