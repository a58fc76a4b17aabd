// Package sim renders synthetic scenes for tests, replay and demos: a truth
// orbit and attitude propagated with l4dynamics, camera images of the star
// field and Earth disc, exact feature observations, and a gyro.
package sim
